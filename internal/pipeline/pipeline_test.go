package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"planneretl/internal/config"
	"planneretl/internal/planner"
	"planneretl/internal/storage"
	"planneretl/internal/storage/sqlite"
)

const (
	tasksJSON = `{"value": [{
		"@odata.etag": "W/\"1\"", "planId": "P1", "bucketId": "B1", "title": "Report", "id": "T1",
		"createdBy": {"user": {"displayName": "Ann", "id": "U1"}},
		"appliedCategories": {"cat1": true}
	}]}`
	bucketsJSON = `{"value": [{"id": "B1", "name": "General", "planId": "P1"}]}`
	detailsJSON = `{"id": "P1", "categoryDescriptions": {"cat1": "Priority", "cat2": null}}`
)

// fakeAzure serves the token endpoint for tenant "tn" and the Graph reads for plan P1.
func fakeAzure(t *testing.T, tokenStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tn/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(tokenStatus)
		if tokenStatus != http.StatusOK {
			fmt.Fprint(w, `{"error":"invalid_client","error_description":"AADSTS7000215: Invalid client secret"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3599}`)
	})
	serve := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, body)
		}
	}
	mux.HandleFunc("/v1.0/planner/plans/P1/tasks", serve(tasksJSON))
	mux.HandleFunc("/v1.0/planner/plans/P1/buckets", serve(bucketsJSON))
	mux.HandleFunc("/v1.0/planner/plans/P1/details", serve(detailsJSON))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server, dbPath, plan string) config.Config {
	return config.Config{
		Database: config.Database{Kind: sqlite.Kind, DSN: dbPath},
		Azure: config.Azure{
			ClientID:      "client",
			ClientSecret:  "secret",
			TenantID:      "tn",
			PlanID:        plan,
			AuthorityHost: srv.URL,
			GraphBaseURL:  srv.URL + "/v1.0",
		},
		LoadAtomic:  true,
		HTTPTimeout: 5 * time.Second,
	}
}

func quietDeps(srv *httptest.Server) Deps {
	return Deps{HTTPClient: srv.Client(), Logf: func(string, ...any) {}}
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()
	srv := fakeAzure(t, http.StatusOK)
	dbPath := filepath.Join(t.TempDir(), "planner.db")

	sum, err := Run(context.Background(), testConfig(srv, dbPath, "P1"), quietDeps(srv))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Rows["Planner_data_raw"] != 1 || sum.Rows["Buckets"] != 1 || sum.Rows["Categories"] != 1 {
		t.Fatalf("summary: %s", sum)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var (
		id, bucketID, userName, userID string
		appName, appID                 sql.NullString
	)
	err = db.QueryRow(`SELECT id, bucketId, created_by_user_displayname, created_by_user_id,
		created_by_application_displayname, created_by_application_id FROM "Planner_data_raw"`).
		Scan(&id, &bucketID, &userName, &userID, &appName, &appID)
	if err != nil {
		t.Fatalf("select main: %v", err)
	}
	if id != "T1" || bucketID != "B1" || userName != "Ann" || userID != "U1" || appName.Valid || appID.Valid {
		t.Fatalf("main row: %s %s %s %s %v %v", id, bucketID, userName, userID, appName, appID)
	}

	var catID, cat, catName string
	if err := db.QueryRow(`SELECT id, category, category_name FROM "Categories"`).Scan(&catID, &cat, &catName); err != nil {
		t.Fatalf("select categories: %v", err)
	}
	if catID != "T1" || cat != "cat1" || catName != "Priority" {
		t.Fatalf("categories row: %s %s %s", catID, cat, catName)
	}

	var bucketName string
	if err := db.QueryRow(`SELECT bucket_name FROM "Buckets" WHERE bucketId = 'B1'`).Scan(&bucketName); err != nil {
		t.Fatalf("select bucket: %v", err)
	}
	if bucketName != "General" {
		t.Fatalf("bucket_name = %q", bucketName)
	}
}

func TestRun_AuthFailureSkipsDatabase(t *testing.T) {
	t.Parallel()
	srv := fakeAzure(t, http.StatusUnauthorized)
	opened := false
	d := quietDeps(srv)
	d.OpenRepo = func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		opened = true
		return nil, errors.New("unexpected")
	}

	_, err := Run(context.Background(), testConfig(srv, filepath.Join(t.TempDir(), "x.db"), "P1"), d)
	if err == nil {
		t.Fatalf("expected auth error")
	}
	if opened {
		t.Fatalf("database opened after auth failure")
	}
}

func TestRun_GraphErrorIsTyped(t *testing.T) {
	t.Parallel()
	srv := fakeAzure(t, http.StatusOK)

	_, err := Run(context.Background(), testConfig(srv, filepath.Join(t.TempDir(), "x.db"), "P404"), quietDeps(srv))
	var he *planner.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusNotFound {
		t.Fatalf("want *planner.HTTPError 404, got %v", err)
	}
}

func TestRun_ClosesRepoOnLoadFailure(t *testing.T) {
	t.Parallel()
	srv := fakeAzure(t, http.StatusOK)
	dbPath := filepath.Join(t.TempDir(), "planner.db")
	cfg := testConfig(srv, dbPath, "P1")

	if _, err := Run(context.Background(), cfg, quietDeps(srv)); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	var closed bool
	d := quietDeps(srv)
	d.OpenRepo = func(ctx context.Context, c storage.Config) (storage.Repository, error) {
		r, err := storage.New(ctx, c)
		if err != nil {
			return nil, err
		}
		return closeSpy{Repository: r, closed: &closed}, nil
	}
	if _, err := Run(context.Background(), cfg, d); err == nil {
		t.Fatalf("second Run into existing tables should fail")
	}
	if !closed {
		t.Fatalf("repository not closed on failure")
	}
}

type closeSpy struct {
	storage.Repository
	closed *bool
}

func (c closeSpy) Close() {
	*c.closed = true
	c.Repository.Close()
}
