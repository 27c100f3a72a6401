package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"planneretl/internal/config"
	"planneretl/internal/metrics"
	"planneretl/internal/pipeline"
)

// testBackend counts calls; the commands run sequentially in these tests.
type testBackend struct {
	counters int
	flushed  int
	closed   bool
}

func (b *testBackend) IncCounter(string, float64, metrics.Labels)       { b.counters++ }
func (b *testBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *testBackend) Flush() error                                     { b.flushed++; return nil }
func (b *testBackend) Close() error                                     { b.closed = true; return nil }

func okConfig() (config.Config, error) {
	return config.Config{
		Database: config.Database{Kind: "sqlite", DSN: "planner.db"},
		Azure:    config.Azure{PlanID: "P1"},
	}, nil
}

func TestRun_ExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		load     func() (config.Config, error)
		runErr   error
		wantCode int
		wantLog  string
		wantRun  bool
	}{
		{
			name:     "config_error",
			load:     func() (config.Config, error) { return config.Config{}, config.ErrMissingDatabase },
			wantCode: 2,
			wantLog:  "Database configuration values are missing.",
		},
		{
			name:     "azure_error",
			load:     func() (config.Config, error) { return config.Config{}, config.ErrMissingAzure },
			wantCode: 2,
			wantLog:  "Azure details values are missing",
		},
		{
			name:     "run_error",
			load:     okConfig,
			runErr:   errors.New("load: boom"),
			wantCode: 1,
			wantLog:  "failed: load: boom",
			wantRun:  true,
		},
		{
			name:     "success",
			load:     okConfig,
			wantCode: 0,
			wantLog:  "run=fixed-id done",
			wantRun:  true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stderr bytes.Buffer
			ran := false
			code := run(context.Background(), deps{
				Stderr:     &stderr,
				LoadConfig: tc.load,
				Run: func(ctx context.Context, cfg config.Config, d pipeline.Deps) error {
					ran = true
					if d.Logf == nil {
						t.Fatalf("pipeline logger not wired")
					}
					return tc.runErr
				},
				NewRunID: func() string { return "fixed-id" },
			})
			if code != tc.wantCode {
				t.Fatalf("code=%d want %d; log:\n%s", code, tc.wantCode, stderr.String())
			}
			if ran != tc.wantRun {
				t.Fatalf("ran=%v want %v", ran, tc.wantRun)
			}
			if !strings.Contains(stderr.String(), tc.wantLog) {
				t.Fatalf("log missing %q:\n%s", tc.wantLog, stderr.String())
			}
			if !strings.Contains(stderr.String(), "planner_etl ") {
				t.Fatalf("log prefix missing:\n%s", stderr.String())
			}
		})
	}
}

func TestRun_DatadogBackendLifecycle(t *testing.T) {
	b := &testBackend{}
	var gotTags []string
	code := run(context.Background(), deps{
		LoadConfig: func() (config.Config, error) {
			cfg, _ := okConfig()
			cfg.Metrics = config.Metrics{Backend: "datadog", Tags: "env:test", FlushEvery: time.Minute}
			return cfg, nil
		},
		BackendFactory: func(ctx context.Context, tags []string, flushEvery time.Duration) (backendCloser, error) {
			gotTags = tags
			return b, nil
		},
		Run: func(ctx context.Context, cfg config.Config, d pipeline.Deps) error {
			metrics.RecordStep("auth", nil, time.Millisecond)
			return nil
		},
		NewRunID: func() string { return "fixed-id" },
	})
	if code != 0 {
		t.Fatalf("code=%d", code)
	}
	if b.counters == 0 || b.flushed == 0 || !b.closed {
		t.Fatalf("backend not used: %+v", b)
	}
	want := []string{"env:test", "run_id:fixed-id", "plan_id:P1"}
	if strings.Join(gotTags, ",") != strings.Join(want, ",") {
		t.Fatalf("tags=%v want %v", gotTags, want)
	}
}

func TestRun_DatadogInitFailure(t *testing.T) {
	code := run(context.Background(), deps{
		LoadConfig: func() (config.Config, error) {
			cfg, _ := okConfig()
			cfg.Metrics.Backend = "datadog"
			return cfg, nil
		},
		BackendFactory: func(context.Context, []string, time.Duration) (backendCloser, error) {
			return nil, errors.New("missing DD_API_KEY")
		},
		Run: func(context.Context, config.Config, pipeline.Deps) error {
			t.Fatalf("run must not start")
			return nil
		},
	})
	if code != 2 {
		t.Fatalf("code=%d want 2", code)
	}
}
