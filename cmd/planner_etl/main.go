// Command planner_etl exports one Microsoft Planner plan into SQL tables.
//
// It takes no arguments; settings come from a .env file and the environment.
package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"planneretl/internal/config"
	"planneretl/internal/metrics"
	"planneretl/internal/metrics/datadog"
	"planneretl/internal/pipeline"
	_ "planneretl/internal/storage/all"
)

const jobName = "planner_etl"

// backendCloser is the metrics backend plus its shutdown.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for tests.
type deps struct {
	Stderr io.Writer

	LoadConfig     func() (config.Config, error)
	BackendFactory func(ctx context.Context, tags []string, flushEvery time.Duration) (backendCloser, error)
	Run            func(ctx context.Context, cfg config.Config, d pipeline.Deps) error
	NewRunID       func() string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, deps{
		Stderr:     os.Stderr,
		LoadConfig: config.Load,
		BackendFactory: func(ctx context.Context, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		Run: func(ctx context.Context, cfg config.Config, d pipeline.Deps) error {
			_, err := pipeline.Run(ctx, cfg, d)
			return err
		},
		NewRunID: func() string { return uuid.NewString() },
	})
	stop()
	os.Exit(code)
}

// run returns the process exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: the export failed.
//   - 2: configuration/initialization error. The message is logged and
//     nothing is fetched or written.
func run(ctx context.Context, d deps) int {
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.NewRunID == nil {
		d.NewRunID = uuid.NewString
	}
	logger := log.New(d.Stderr, "planner_etl ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := d.LoadConfig()
	if err != nil {
		logger.Print(err)
		return 2
	}

	runID := d.NewRunID()
	logger.Printf("run=%s plan=%s db=%s (%s)", runID, cfg.Azure.PlanID, cfg.Database.Kind, cfg.Database.Redacted())

	if cfg.Metrics.Backend == "datadog" {
		if d.BackendFactory == nil {
			logger.Print("internal error: BackendFactory is nil")
			return 2
		}
		tags := append(datadog.ParseTagsCSV(cfg.Metrics.Tags), "run_id:"+runID, "plan_id:"+cfg.Azure.PlanID)
		backend, err := d.BackendFactory(ctx, tags, cfg.Metrics.FlushEvery)
		if err != nil {
			logger.Printf("datadog backend init failed: %v", err)
			return 2
		}
		metrics.SetBackend(backend)
		defer func() {
			if err := metrics.Flush(); err != nil {
				logger.Printf("metrics flush: %v", err)
			}
			_ = backend.Close()
			metrics.SetBackend(nil)
		}()
	}

	start := time.Now()
	err = d.Run(ctx, cfg, pipeline.Deps{Logf: logger.Printf})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Printf("run=%s interrupted after %s", runID, time.Since(start).Round(time.Millisecond))
		} else {
			logger.Printf("run=%s failed: %v", runID, err)
		}
		return 1
	}
	logger.Printf("run=%s done in %s", runID, time.Since(start).Round(time.Millisecond))
	return 0
}
