// Package worker implements the typed Workers (C9): DownloadWorker,
// HealthCheckWorker, and OrganizationWorker, each driven through a shared
// harness that centralizes progress-event emission and panic recovery so
// individual workers only implement pure per-type logic.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Futs/kuroibara/core/pkg/agent"
	"github.com/Futs/kuroibara/core/pkg/coreconfig"
	"github.com/Futs/kuroibara/core/pkg/coreerrors"
	"github.com/Futs/kuroibara/core/pkg/health"
	"github.com/Futs/kuroibara/core/pkg/jobs"
	"github.com/Futs/kuroibara/core/pkg/progress"
	"github.com/Futs/kuroibara/core/pkg/registry"
)

// ProgressReporter is the subset of progress.Tracker a worker's execute
// function uses to report milestones for its job's operation.
type ProgressReporter interface {
	UpdateProgress(opID string, opts progress.UpdateOptions) error
	AddWarning(opID, message string) error
}

// executeFunc is the pure per-job-type logic a worker implements: it
// receives a cancellable context, the job, and an operation ID already
// started for it, and returns a completion message or an error.
type executeFunc func(ctx context.Context, job *jobs.Job, opID string) (message string, err error)

// Harness centralizes STARTED/COMPLETED/FAILED/CANCELLED emission around an
// executeFunc (PROGRESS events come from the executeFunc itself; retries are
// left to the jobs.Queue and emit nothing here), mirroring BaseWorker.run_job adapted from
// the original and the goroutine lifecycle idiom (panic recovery,
// context-cancellation checks) of the reference worker manager.
type Harness struct {
	logger   *zap.Logger
	tracker  *progress.Tracker
	workerID string
}

// NewHarness creates a Harness bound to tracker for event emission.
func NewHarness(logger *zap.Logger, tracker *progress.Tracker, workerID string) *Harness {
	return &Harness{logger: logger, tracker: tracker, workerID: workerID}
}

// Run wraps fn as a jobs.Handler: it starts an operation for job, invokes
// fn with panic recovery, and translates the outcome into a progress
// terminal event. The jobs.Queue itself handles retry-count bookkeeping
// based on the returned error; Run only reports progress.
func (h *Harness) Run(opType string) func(fn executeFunc) jobs.Handler {
	return func(fn executeFunc) jobs.Handler {
		return func(ctx context.Context, job *jobs.Job) (err error) {
			opID := h.tracker.StartOperation(opType, string(job.Type), true, "", "")

			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("worker panic recovered", zap.String("worker_id", h.workerID), zap.Any("recover", r))
					_ = h.tracker.FailOperation(opID, fmt.Sprintf("internal error: %v", r))
					err = coreerrors.New(coreerrors.KindUpstreamError, "worker.Run", h.workerID, fmt.Sprintf("panic: %v", r))
				}
			}()

			message, runErr := fn(ctx, job, opID)

			switch {
			case runErr == nil:
				_ = h.tracker.CompleteOperation(opID, message)
				return nil
			case ctx.Err() == context.Canceled:
				_ = h.tracker.CancelOperation(opID)
				return coreerrors.New(coreerrors.KindCancelled, "worker.Run", h.workerID, "job cancelled")
			case ctx.Err() == context.DeadlineExceeded:
				_ = h.tracker.FailOperation(opID, "job timed out")
				return coreerrors.New(coreerrors.KindOperationTimeout, "worker.Run", h.workerID, "job exceeded its timeout")
			default:
				_ = h.tracker.FailOperation(opID, runErr.Error())
				return runErr
			}
		}
	}
}

// checkCancelled returns a cancellation error if ctx is done, for use
// between bulk-operation items.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// DownloadWorker dispatches on job.Type to chapter/manga/cover/bulk
// downloads, driving an Agent's operations and updating progress at
// well-defined milestones. Page jobs have no branch of their own and, like
// any other unmatched type, run the chapter download. Bulk jobs only report
// per-item progress; they make no Agent calls.
type DownloadWorker struct {
	harness  *Harness
	tracker  *progress.Tracker
	registry *registry.Registry
}

// NewDownloadWorker builds a DownloadWorker; its Handler method supplies the
// jobs.Handler to register with a jobs.Queue for each download job type.
func NewDownloadWorker(logger *zap.Logger, tracker *progress.Tracker, reg *registry.Registry) *DownloadWorker {
	return &DownloadWorker{
		harness:  NewHarness(logger, tracker, "download_worker"),
		tracker:  tracker,
		registry: reg,
	}
}

// Handler returns the jobs.Handler for job.Type dispatch.
func (w *DownloadWorker) Handler(jobType jobs.Type) jobs.Handler {
	run := w.harness.Run("download")
	switch jobType {
	case jobs.TypeDownloadChapter:
		return run(w.downloadChapter)
	case jobs.TypeDownloadManga:
		return run(w.downloadManga)
	case jobs.TypeDownloadCover:
		return run(w.downloadCover)
	case jobs.TypeBulkDownload:
		return run(w.bulkDownload)
	default:
		return run(w.downloadChapter)
	}
}

func (w *DownloadWorker) getAgent(job *jobs.Job) (*agent.Agent, error) {
	providerName, _ := job.Metadata["provider_name"].(string)
	a := w.registry.Get(providerName)
	if a == nil {
		return nil, coreerrors.New(coreerrors.KindNotFound, "worker.DownloadWorker", providerName, "agent not found")
	}
	return a, nil
}

func (w *DownloadWorker) downloadChapter(ctx context.Context, job *jobs.Job, opID string) (string, error) {
	a, err := w.getAgent(job)
	if err != nil {
		return "", err
	}
	mangaID, _ := job.Metadata["manga_id"].(string)
	chapterID, _ := job.Metadata["chapter_id"].(string)

	progressive := func(pct float64, step string) {
		p := pct
		_ = w.tracker.UpdateProgress(opID, progress.UpdateOptions{Progress: &p, Step: step})
	}

	progressive(10, "Fetching chapter metadata")
	if _, err := a.MangaDetails(ctx, mangaID); err != nil {
		return "", err
	}

	progressive(30, "Getting page list")
	urls, err := a.Pages(ctx, mangaID, chapterID)
	if err != nil {
		return "", err
	}

	progressive(50, "Downloading pages")
	for _, u := range urls {
		if err := checkCancelled(ctx); err != nil {
			return "", err
		}
		if _, err := a.DownloadPage(ctx, u, ""); err != nil {
			return "", err
		}
	}

	progressive(80, "Processing images")
	progressive(100, "Finalizing download")

	return "Chapter downloaded successfully", nil
}

func (w *DownloadWorker) downloadManga(ctx context.Context, job *jobs.Job, opID string) (string, error) {
	a, err := w.getAgent(job)
	if err != nil {
		return "", err
	}
	mangaID, _ := job.Metadata["manga_id"].(string)

	chapters, total, _, err := a.Chapters(ctx, mangaID, 1, 1000)
	if err != nil {
		return "", err
	}

	downloaded := 0
	for i, ch := range chapters {
		if err := checkCancelled(ctx); err != nil {
			return "", err
		}

		chapterID, _ := ch["id"].(string)
		pct := float64(i) / float64(total) * 100
		processed := i
		_ = w.tracker.UpdateProgress(opID, progress.UpdateOptions{
			Progress:  &pct,
			Step:      fmt.Sprintf("Downloading chapter %d/%d", i+1, total),
			Processed: &processed,
		})

		if chapterID == "" {
			continue
		}

		urls, err := a.Pages(ctx, mangaID, chapterID)
		if err != nil {
			_ = w.tracker.AddWarning(opID, fmt.Sprintf("chapter %s: %v", chapterID, err))
			continue
		}

		for _, u := range urls {
			if err := checkCancelled(ctx); err != nil {
				return "", err
			}
			if _, err := a.DownloadPage(ctx, u, ""); err != nil {
				_ = w.tracker.AddWarning(opID, fmt.Sprintf("chapter %s page: %v", chapterID, err))
				continue
			}
		}
		downloaded++
	}

	pct := 100.0
	_ = w.tracker.UpdateProgress(opID, progress.UpdateOptions{Progress: &pct, Step: "Finalizing download"})

	return fmt.Sprintf("Manga downloaded successfully (%d/%d chapters)", downloaded, total), nil
}

func (w *DownloadWorker) downloadCover(ctx context.Context, job *jobs.Job, opID string) (string, error) {
	a, err := w.getAgent(job)
	if err != nil {
		return "", err
	}
	mangaID, _ := job.Metadata["manga_id"].(string)

	steps := []struct {
		pct  float64
		step string
	}{
		{25, "Fetching cover URL"},
		{50, "Downloading image"},
	}
	for _, s := range steps {
		p := s.pct
		_ = w.tracker.UpdateProgress(opID, progress.UpdateOptions{Progress: &p, Step: s.step})
	}

	if _, err := a.DownloadCover(ctx, mangaID); err != nil {
		return "", err
	}

	p := 100.0
	_ = w.tracker.UpdateProgress(opID, progress.UpdateOptions{Progress: &p, Step: "Saving cover"})
	return "Cover downloaded successfully", nil
}

// bulkDownload iterates job.Metadata["items"], updating items_processed
// monotonically and checking cancellation between items, per §4.9's
// supplemented bulk semantics.
func (w *DownloadWorker) bulkDownload(ctx context.Context, job *jobs.Job, opID string) (string, error) {
	rawItems, _ := job.Metadata["items"].([]interface{})

	for i, raw := range rawItems {
		if err := checkCancelled(ctx); err != nil {
			return "", err
		}
		title := "Unknown"
		if m, ok := raw.(map[string]interface{}); ok {
			if t, ok := m["title"].(string); ok {
				title = t
			}
		}
		pct := float64(i) / float64(len(rawItems)) * 100
		processed := i
		_ = w.tracker.UpdateProgress(opID, progress.UpdateOptions{
			Progress:  &pct,
			Step:      fmt.Sprintf("Downloading item %d/%d: %s", i+1, len(rawItems), title),
			Processed: &processed,
		})
	}

	return fmt.Sprintf("Bulk download completed (%d items)", len(rawItems)), nil
}

// HealthCheckWorker performs the checks selected by a job's metadata flags
// and feeds results to the HealthMonitor.
type HealthCheckWorker struct {
	harness  *Harness
	tracker  *progress.Tracker
	registry *registry.Registry
	monitor  *health.Monitor
	cfg      *coreconfig.Manager // may be nil; failure_threshold then defaults
}

// NewHealthCheckWorker builds a HealthCheckWorker. cfg may be nil, in which
// case every agent uses health.DefaultFailureThreshold.
func NewHealthCheckWorker(logger *zap.Logger, tracker *progress.Tracker, reg *registry.Registry, monitor *health.Monitor, cfg *coreconfig.Manager) *HealthCheckWorker {
	return &HealthCheckWorker{
		harness:  NewHarness(logger, tracker, "health_check_worker"),
		tracker:  tracker,
		registry: reg,
		monitor:  monitor,
		cfg:      cfg,
	}
}

// failureThresholdFor looks up the configured consecutive-failure threshold
// for an agent from agent_runtime_config.json's monitoring settings (§4.5),
// returning 0 (health.DefaultFailureThreshold) if unconfigured.
func (w *HealthCheckWorker) failureThresholdFor(name string) int {
	if w.cfg == nil {
		return 0
	}
	snap := w.cfg.Current()
	if snap == nil {
		return 0
	}
	return snap.Runtime[name].Monitoring.FailureThreshold
}

// Handler returns the jobs.Handler for health-check/provider-test jobs.
func (w *HealthCheckWorker) Handler() jobs.Handler {
	return w.harness.Run("health_check")(w.runChecks)
}

func (w *HealthCheckWorker) runChecks(ctx context.Context, job *jobs.Job, opID string) (string, error) {
	providerName, _ := job.Metadata["provider_name"].(string)
	a := w.registry.Get(providerName)
	if a == nil {
		return "", coreerrors.New(coreerrors.KindNotFound, "worker.HealthCheckWorker", providerName, "agent not found")
	}

	testSearch, _ := job.Metadata["test_search"].(bool)
	testMetadata, _ := job.Metadata["test_metadata"].(bool)
	testDownload, _ := job.Metadata["test_download"].(bool)

	results := make(map[string]interface{})
	failures := 0
	total := 0

	run := func(name string, fn func() error) {
		total++
		p := float64(total) / 4 * 100
		_ = w.tracker.UpdateProgress(opID, progress.UpdateOptions{Progress: &p, Step: "Running " + name})
		err := fn()
		results[name] = map[string]interface{}{"passed": err == nil}
		if err != nil {
			failures++
			results[name].(map[string]interface{})["error"] = err.Error()
		}
	}

	ok, responseTimeMs, err := a.HealthCheck(ctx, 30*time.Second)
	run("basic_health_check", func() error {
		if err != nil || !ok {
			if err != nil {
				return err
			}
			return coreerrors.New(coreerrors.KindUpstreamError, "worker.HealthCheckWorker", providerName, "unhealthy")
		}
		return nil
	})

	if testSearch {
		run("search", func() error {
			_, _, _, err := a.Search(ctx, "health-check-probe", 1, 1)
			return err
		})
	}
	if testMetadata {
		run("metadata", func() error {
			_, err := a.MangaDetails(ctx, "health-check-probe")
			return err
		})
	}
	if testDownload {
		run("download", func() error {
			_, err := a.DownloadCover(ctx, "health-check-probe")
			return err
		})
	}

	job.Metadata["health_results"] = results

	if w.monitor != nil {
		metrics := w.monitor.MetricsFor(providerName)
		if metrics == nil {
			metrics = w.monitor.Register(providerName, a, w.failureThresholdFor(providerName))
		}
		metrics.Record(health.CheckResult{OK: failures == 0, ResponseTimeMs: responseTimeMs})
	}

	if failures == 0 {
		return "Health check passed all tests", nil
	}
	return fmt.Sprintf("Health check completed with %d failed tests", failures), nil
}

// OrganizationWorker executes library-organization steps. The file
// mechanics themselves are an external dependency (§6 Non-goals); this
// worker only drives progress over caller-supplied step functions.
type OrganizationWorker struct {
	harness *Harness
	tracker *progress.Tracker
}

// Step is one named organization phase (scan, plan, move/copy, metadata,
// cleanup) supplied by the external file-organizer integration.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// NewOrganizationWorker builds an OrganizationWorker.
func NewOrganizationWorker(logger *zap.Logger, tracker *progress.Tracker) *OrganizationWorker {
	return &OrganizationWorker{
		harness: NewHarness(logger, tracker, "organization_worker"),
		tracker: tracker,
	}
}

// Handler returns the jobs.Handler for organize jobs; steps is the fixed
// step list the caller supplies when wiring this worker, run for every
// organize job. Job.Metadata is not consulted, since step functions cannot
// be serialized through it.
func (w *OrganizationWorker) Handler(steps []Step) jobs.Handler {
	return w.harness.Run("organize")(func(ctx context.Context, job *jobs.Job, opID string) (string, error) {
		for i, step := range steps {
			if err := checkCancelled(ctx); err != nil {
				return "", err
			}
			pct := float64(i) / float64(len(steps)) * 100
			_ = w.tracker.UpdateProgress(opID, progress.UpdateOptions{Progress: &pct, Step: step.Name})
			if err := step.Run(ctx); err != nil {
				return "", coreerrors.Wrap(coreerrors.KindUpstreamError, "worker.OrganizationWorker", step.Name, err)
			}
		}
		return "Organization completed successfully", nil
	})
}
