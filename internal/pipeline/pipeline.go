// Package pipeline runs one Planner export: token, three Graph reads,
// transform, load.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"planneretl/internal/auth"
	"planneretl/internal/config"
	"planneretl/internal/loader"
	"planneretl/internal/metrics"
	"planneretl/internal/planner"
	"planneretl/internal/records"
	"planneretl/internal/storage"
	"planneretl/internal/transformer"
)

// Step names used in logs and metrics.
const (
	StepAuth            = "auth"
	StepFetchTasks      = "fetch_tasks"
	StepFetchBuckets    = "fetch_buckets"
	StepFetchCategories = "fetch_categories"
	StepTransform       = "transform"
	StepOpenDB          = "open_db"
	StepLoad            = "load"
)

// Deps are external seams for tests.
type Deps struct {
	// HTTPClient is used for the token request and Graph reads.
	HTTPClient *http.Client

	// OpenRepo opens the target database. Defaults to storage.New.
	OpenRepo func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	// Logf receives progress lines. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// Run executes the export described by cfg.
func Run(ctx context.Context, cfg config.Config, d Deps) (loader.Summary, error) {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if d.OpenRepo == nil {
		d.OpenRepo = storage.New
	}
	if d.Logf == nil {
		d.Logf = log.Printf
	}
	verbose := func(format string, args ...any) {
		if cfg.Verbose {
			d.Logf(format, args...)
		}
	}

	authn, err := auth.New(auth.Options{
		ClientID:     cfg.Azure.ClientID,
		ClientSecret: cfg.Azure.ClientSecret,
		Authority:    auth.Authority(cfg.Azure.AuthorityHost, cfg.Azure.TenantID),
		HTTPClient:   d.HTTPClient,
	})
	if err != nil {
		return loader.Summary{}, err
	}
	client, err := planner.NewClient(cfg.Azure.GraphBaseURL, cfg.Azure.PlanID, planner.WithHTTPClient(d.HTTPClient))
	if err != nil {
		return loader.Summary{}, err
	}

	var tok *oauth2.Token
	if err := step(StepAuth, verbose, func() (err error) {
		tok, err = authn.Token(ctx)
		return err
	}); err != nil {
		return loader.Summary{}, err
	}
	d.Logf("Token acquired successfully")

	var (
		tasks      []records.Record
		buckets    map[string]string
		categories []planner.CategoryName
	)
	if err := step(StepFetchTasks, verbose, func() error {
		page, err := client.FetchTasks(ctx, tok)
		tasks = page.Value
		return err
	}); err != nil {
		return loader.Summary{}, err
	}
	if err := step(StepFetchBuckets, verbose, func() (err error) {
		buckets, err = client.FetchBuckets(ctx, tok)
		return err
	}); err != nil {
		return loader.Summary{}, err
	}
	if err := step(StepFetchCategories, verbose, func() (err error) {
		categories, err = client.FetchCategories(ctx, tok)
		return err
	}); err != nil {
		return loader.Summary{}, err
	}
	verbose("fetched tasks=%d buckets=%d categories=%d", len(tasks), len(buckets), len(categories))

	var ds *transformer.Dataset
	if err := step(StepTransform, verbose, func() (err error) {
		ds, err = transformer.Transform(tasks, buckets)
		return err
	}); err != nil {
		return loader.Summary{}, err
	}

	var repo storage.Repository
	if err := step(StepOpenDB, verbose, func() (err error) {
		repo, err = d.OpenRepo(ctx, storage.Config{Kind: cfg.Database.Kind, DSN: cfg.Database.ConnString()})
		return err
	}); err != nil {
		return loader.Summary{}, fmt.Errorf("open %s (%s): %w", cfg.Database.Kind, cfg.Database.Redacted(), err)
	}
	defer repo.Close()

	var sum loader.Summary
	if err := step(StepLoad, verbose, func() (err error) {
		sum, err = loader.New(repo, loader.Options{Atomic: cfg.LoadAtomic}).Load(ctx, ds, categories)
		return err
	}); err != nil {
		return loader.Summary{}, err
	}
	d.Logf("load complete: %s", sum)
	return sum, nil
}

// step times fn and records it.
func step(name string, logf func(string, ...any), fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	metrics.RecordStep(name, err, d)
	if err != nil {
		logf("step=%s failed after %s: %v", name, d.Round(time.Millisecond), err)
		return fmt.Errorf("%s: %w", name, err)
	}
	logf("step=%s ok in %s", name, d.Round(time.Millisecond))
	return nil
}
