package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var knownVars = []string{
	EnvFileVar,
	"DATABASE_KIND", "DATABASE_DSN", "DATABASE_USER", "DATABASE_PASSWORD",
	"DATABASE_HOST", "DATABASE_PORT", "DATABASE_NAME",
	"DATABASE_TRUSTED_CONNECTION", "DATABASE_ENCRYPT",
	"CLIENT_ID", "CLIENT_SECRET", "TENANT_ID", "PLAN_ID",
	"AUTHORITY_HOST", "GRAPH_BASE_URL",
	"LOAD_ATOMIC", "HTTP_TIMEOUT", "PLANNER_ETL_VERBOSE",
	"METRICS_BACKEND", "METRICS_TAGS", "METRICS_FLUSH_EVERY",
}

// clearEnv unsets every variable Load reads and restores them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range knownVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

var fullEnv = map[string]string{
	"DATABASE_USER":     "etl",
	"DATABASE_PASSWORD": "p@ss word",
	"DATABASE_HOST":     "db.example.com",
	"DATABASE_PORT":     "1433",
	"DATABASE_NAME":     "planner",
	"CLIENT_ID":         "client",
	"CLIENT_SECRET":     "secret",
	"TENANT_ID":         "tenant",
	"PLAN_ID":           "plan",
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setEnv(t, fullEnv)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Kind != "mssql" || cfg.Database.Encrypt != "disable" || cfg.Database.TrustedConnection {
		t.Fatalf("database defaults: %+v", cfg.Database)
	}
	if !cfg.LoadAtomic || cfg.HTTPTimeout != 60*time.Second || cfg.Verbose {
		t.Fatalf("run defaults: atomic=%v timeout=%v verbose=%v", cfg.LoadAtomic, cfg.HTTPTimeout, cfg.Verbose)
	}
	if cfg.Azure.AuthorityHost != "https://login.microsoftonline.com" ||
		cfg.Azure.GraphBaseURL != "https://graph.microsoft.com/v1.0" {
		t.Fatalf("azure defaults: %+v", cfg.Azure)
	}
	if cfg.Metrics.Backend != "none" || cfg.Metrics.FlushEvery != time.Minute {
		t.Fatalf("metrics defaults: %+v", cfg.Metrics)
	}
}

func TestLoad_MissingGroups(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		want  error
	}{
		{"database user", "DATABASE_USER", ErrMissingDatabase},
		{"database port", "DATABASE_PORT", ErrMissingDatabase},
		{"client secret", "CLIENT_SECRET", ErrMissingAzure},
		{"plan id", "PLAN_ID", ErrMissingAzure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			setEnv(t, fullEnv)
			os.Unsetenv(tc.unset)

			_, err := Load()
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
}

func TestLoad_DatabaseCheckedBeforeAzure(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); !errors.Is(err, ErrMissingDatabase) {
		t.Fatalf("got %v", err)
	}
}

func TestLoad_SQLiteNeedsOnlyPath(t *testing.T) {
	clearEnv(t)
	setEnv(t, map[string]string{
		"DATABASE_KIND": "sqlite",
		"DATABASE_NAME": "/tmp/planner.db",
		"CLIENT_ID":     "c", "CLIENT_SECRET": "s", "TENANT_ID": "t", "PLAN_ID": "p",
	})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Database.ConnString(); got != "/tmp/planner.db" {
		t.Fatalf("ConnString: %s", got)
	}
}

func TestLoad_UnknownKind(t *testing.T) {
	clearEnv(t)
	setEnv(t, fullEnv)
	t.Setenv("DATABASE_KIND", "oracle")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "oracle") {
		t.Fatalf("got %v", err)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "planner.env")
	var b strings.Builder
	for k, v := range fullEnv {
		b.WriteString(k + "=\"" + v + "\"\n")
	}
	b.WriteString("PLAN_ID=from-file\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// godotenv sets variables directly; unset them when the test ends.
	t.Cleanup(func() {
		for k := range fullEnv {
			os.Unsetenv(k)
		}
	})
	t.Setenv(EnvFileVar, path)
	t.Setenv("TENANT_ID", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Azure.PlanID != "from-file" {
		t.Fatalf("PlanID = %q", cfg.Azure.PlanID)
	}
	if cfg.Azure.TenantID != "from-env" {
		t.Fatalf("environment must win over the file, TenantID = %q", cfg.Azure.TenantID)
	}
	if cfg.Database.Password != "p@ss word" {
		t.Fatalf("Password = %q", cfg.Database.Password)
	}
}

func TestLoad_ExplicitEnvFileMissing(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvFileVar, filepath.Join(t.TempDir(), "absent.env"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing explicit env file")
	}
}

func TestConnString(t *testing.T) {
	base := Database{
		User: "etl", Password: "p@ss", Host: "db", Port: "1433", Name: "planner", Encrypt: "disable",
	}

	mssql := base
	mssql.Kind = "mssql"
	if got, want := mssql.ConnString(), "sqlserver://etl:p%40ss@db:1433?database=planner&encrypt=disable"; got != want {
		t.Fatalf("mssql:\n got %s\nwant %s", got, want)
	}

	trusted := mssql
	trusted.TrustedConnection = true
	if got, want := trusted.ConnString(), "sqlserver://db:1433?database=planner&encrypt=disable"; got != want {
		t.Fatalf("trusted:\n got %s\nwant %s", got, want)
	}

	pg := base
	pg.Kind = "postgres"
	pg.Port = "5432"
	if got, want := pg.ConnString(), "postgresql://etl:p%40ss@db:5432/planner?sslmode=disable"; got != want {
		t.Fatalf("postgres:\n got %s\nwant %s", got, want)
	}

	override := base
	override.Kind = "mssql"
	override.DSN = "sqlserver://other"
	if got := override.ConnString(); got != "sqlserver://other" {
		t.Fatalf("override: %s", got)
	}

	if got := mssql.Redacted(); strings.Contains(got, "p%40ss") || strings.Contains(got, "p@ss") {
		t.Fatalf("Redacted leaks password: %s", got)
	}
}
