// Package jobs schedules extraction work against the browser pool: a
// bounded submission queue, a fixed worker set, forward-only job state,
// cooperative cancellation, result caching, and terminal webhooks.
package jobs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gleanhq/glean/browser"
	"github.com/gleanhq/glean/cache"
	"github.com/gleanhq/glean/config"
	"github.com/gleanhq/glean/extract"
	"github.com/gleanhq/glean/fetch"
	"github.com/gleanhq/glean/llm"
	"github.com/gleanhq/glean/models"
	"github.com/gleanhq/glean/navigator"
	"github.com/gleanhq/glean/simhash"
	"github.com/gleanhq/glean/webhook"
)

// Orchestrator is the engine's front door. All submitted work flows
// through its queue; the synchronous Extract path shares the same
// pipeline and job accounting.
type Orchestrator struct {
	cfg      *config.Config
	pool     *browser.Pool
	contexts *browser.ContextManager
	nav      *navigator.Navigator
	engine   *extract.Engine
	fetcher  *fetch.Fetcher
	llm      *llm.Client
	results  *cache.Cache // nil when caching is disabled
	store    *store

	queue      chan string
	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
	started    time.Time
	closed     atomic.Bool
}

// New wires the engine together and starts its workers. The launcher is
// injectable so tests run against fakes instead of Chromium.
func New(cfg *config.Config, launcher browser.Launcher) *Orchestrator {
	pool := browser.NewPool(cfg.Pool, launcher)

	queueCap := cfg.Jobs.MaxQueue
	if queueCap < 1 {
		queueCap = 1
	}
	workers := cfg.Jobs.Workers
	if workers < 1 {
		workers = cfg.Pool.Size * cfg.Pool.ContextsPerBrowser
	}
	if workers < 1 {
		workers = 1
	}

	o := &Orchestrator{
		cfg:      cfg,
		pool:     pool,
		contexts: browser.NewContextManager(pool, cfg.Session),
		nav:      navigator.New(cfg.Navigation),
		engine:   extract.New(),
		fetcher:  fetch.New(cfg.Fetch, cfg.Browser.Proxy),
		llm:      llm.NewClient(nil),
		store:    newStore(cfg.Jobs.JobTTL),
		queue:    make(chan string, queueCap),
		started:  time.Now(),
	}
	if cfg.Cache.Enabled {
		o.results = cache.New(cfg.Cache.MaxEntries)
	}
	o.baseCtx, o.baseCancel = context.WithCancel(context.Background())

	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	slog.Info("orchestrator started", "workers", workers, "queue_capacity", queueCap)
	return o
}

// Warm launches the whole browser fleet up front. Without it browsers
// start lazily on first demand.
func (o *Orchestrator) Warm(ctx context.Context) error {
	return o.pool.Warm(ctx)
}

// Submit validates and enqueues a job, returning its ID. Submissions are
// rejected with POOL_EXHAUSTED when the launch breaker is open or the
// queue is full; every other failure mode surfaces on the job itself.
func (o *Orchestrator) Submit(ctx context.Context, req *models.ExtractRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if o.closed.Load() {
		return "", models.NewEngineError(models.ErrCodeInternal, "engine is shut down", nil)
	}
	if o.pool.Stats().Exhausted {
		return "", models.NewEngineError(models.ErrCodePoolExhausted,
			"browser pool is exhausted; try again later", nil)
	}

	id := uuid.NewString()
	o.store.put(models.Job{
		ID:        id,
		Status:    models.StatusQueued,
		Locator:   req.Locator,
		CreatedAt: time.Now(),
	}, req)

	select {
	case o.queue <- id:
	default:
		o.store.remove(id)
		return "", models.NewEngineError(models.ErrCodePoolExhausted,
			fmt.Sprintf("job queue is full (%d pending)", cap(o.queue)), nil)
	}

	slog.Info("job queued", "id", id, "locator", req.Locator)
	return id, nil
}

// Status returns a snapshot of the job record.
func (o *Orchestrator) Status(id string) (models.Job, bool) {
	return o.store.get(id)
}

// Cancel requests cooperative cancellation. Running jobs observe it at
// their next suspension point; queued jobs end immediately. Terminal jobs
// are unaffected and report false.
func (o *Orchestrator) Cancel(id string) bool {
	cancel, queuedReq, ok := o.store.requestCancel(id)
	if !ok {
		return false
	}
	if cancel != nil {
		cancel()
	}
	if queuedReq != nil {
		o.notify(queuedReq, id, webhook.EventJobCancelled, map[string]any{
			"error": &models.ErrorDetail{
				Code:    models.ErrCodeCancelled,
				Message: "job cancelled while queued",
			},
		})
	}
	slog.Info("job cancel requested", "id", id)
	return true
}

// Extract runs one request synchronously through the full pipeline. The
// job is recorded like a submitted one, so Status and Health see it.
func (o *Orchestrator) Extract(ctx context.Context, req *models.ExtractRequest) (*models.ExtractionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if o.closed.Load() {
		return nil, models.NewEngineError(models.ErrCodeInternal, "engine is shut down", nil)
	}

	id := uuid.NewString()
	o.store.put(models.Job{
		ID:        id,
		Status:    models.StatusQueued,
		Locator:   req.Locator,
		CreatedAt: time.Now(),
	}, req)

	_, jctx, ok := o.store.begin(id, ctx)
	if !ok {
		return nil, models.NewEngineError(models.ErrCodeInternal, "job could not start", nil)
	}

	result, err := o.execute(jctx, id, req)
	if err != nil {
		o.finishErr(id, req, err)
		return nil, err
	}
	o.finishOK(id, req, result)
	return result, nil
}

// Download fetches a resource directly, without rendering.
func (o *Orchestrator) Download(ctx context.Context, url string) (*models.Download, error) {
	return o.fetcher.Fetch(ctx, url)
}

// Health reports the engine's health surface. Status degrades while the
// launch breaker is open or open contexts exceed 80% of capacity.
func (o *Orchestrator) Health() models.Health {
	pool := o.pool.Stats()
	status := "ok"
	if pool.Exhausted || (pool.Capacity > 0 && float64(pool.OpenContexts) > 0.8*float64(pool.Capacity)) {
		status = "degraded"
	}
	return models.Health{
		Status:        status,
		UptimeSeconds: int64(time.Since(o.started).Seconds()),
		Pool:          pool,
		Jobs:          o.store.counts(),
		QueueDepth:    len(o.queue),
	}
}

// Close drains the engine: running jobs unwind via their cancelled
// contexts, queued jobs move to cancelled, then the pool shuts down.
func (o *Orchestrator) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.baseCancel()
	o.wg.Wait()
	o.store.cancelPending("engine shutting down")
	o.store.stop()
	o.nav.Close()
	if o.results != nil {
		o.results.Close()
	}
	return o.pool.Close()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case id := <-o.queue:
			o.run(id)
		}
	}
}

func (o *Orchestrator) run(id string) {
	req, jctx, ok := o.store.begin(id, o.baseCtx)
	if !ok {
		// Cancelled while queued.
		return
	}
	slog.Info("job started", "id", id, "locator", req.Locator)

	result, err := o.execute(jctx, id, req)
	if err != nil {
		o.finishErr(id, req, err)
		return
	}
	o.finishOK(id, req, result)
}

// execute runs the pipeline for one request: cache lookup, context
// acquisition, navigation, extraction, the optional screenshot and schema
// stages, and the cache store.
func (o *Orchestrator) execute(ctx context.Context, id string, req *models.ExtractRequest) (*models.ExtractionResult, error) {
	key := cache.Key(req.Locator, &req.Rules)
	if o.results != nil {
		if hit, ok := o.results.Get(key, req.CacheMaxAgeMs); ok {
			slog.Debug("result served from cache", "locator", req.Locator)
			return hit, nil
		}
	}

	budget := o.cfg.Jobs.JobTimeout
	if req.JobTimeoutMs > 0 {
		budget = time.Duration(req.JobTimeoutMs) * time.Millisecond
	}
	jctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var handle *browser.Handle
	var bctx *browser.Context
	for {
		var err error
		handle, err = o.pool.Acquire(jctx)
		if err != nil {
			return nil, err
		}
		bctx, err = o.contexts.Open(jctx, handle, sessionOptions(req, o.cfg))
		if err == nil {
			break
		}
		if models.IsCode(err, models.ErrCodeContextLimit) {
			// Lost the slot race to a concurrent job. Acquire blocks until
			// a context frees, so looping queues rather than spins.
			continue
		}
		// Open already scored the failure; the next Acquire retires the
		// handle if warranted.
		return nil, err
	}

	browserOK := true
	defer func() {
		bctx.Close()
		o.pool.Release(handle, browserOK)
	}()

	page, err := o.nav.Navigate(jctx, bctx.Session(), navigator.Params{
		URL:          req.Locator,
		Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
		MaxRetries:   req.MaxRetries,
		WaitSelector: req.WaitSelector,
		Actions:      req.Actions,
	})
	if err != nil {
		browserOK = !browserFault(err)
		return nil, err
	}
	fetchedAt := time.Now()
	o.store.setAttempts(id, page.Attempts)

	// Suspension point: a cancel that raced navigation completion discards
	// the loaded page instead of extracting from it.
	if cerr := jctx.Err(); cerr != nil {
		return nil, cancelledErr(cerr)
	}

	doc := &extract.Document{URL: page.FinalURL, HTML: page.HTML, Runner: page}

	extractStart := time.Now()
	result, err := o.engine.Extract(jctx, doc, &req.Rules)
	if err != nil {
		return nil, err
	}

	result.Provenance = models.Provenance{
		Locator:      req.Locator,
		FinalURL:     page.FinalURL,
		StatusCode:   page.StatusCode,
		Redirects:    page.Redirects,
		FetchedAt:    fetchedAt,
		NavigationMs: page.Elapsed.Milliseconds(),
		ExtractionMs: time.Since(extractStart).Milliseconds(),
	}
	if text, terr := doc.Text(); terr == nil {
		result.Provenance.Fingerprint = fmt.Sprintf("%016x", simhash.Text(text))
	}
	result.Provenance.StructureFingerprint = fmt.Sprintf("%016x", simhash.Structure(page.HTML))

	if req.Screenshot {
		if cerr := jctx.Err(); cerr != nil {
			return nil, cancelledErr(cerr)
		}
		shot, serr := page.Screenshot(jctx, true)
		if serr != nil {
			slog.Warn("screenshot failed", "locator", req.Locator, "error", serr)
		} else {
			result.Screenshot = base64.StdEncoding.EncodeToString(shot)
		}
	}

	if req.Schema != "" {
		if cerr := jctx.Err(); cerr != nil {
			return nil, cancelledErr(cerr)
		}
		content, cerr := o.engine.Content(doc, models.FormatMarkdown)
		if cerr != nil {
			return nil, cerr
		}
		params := llm.ExtractParams{
			APIKey:  req.LLMAPIKey,
			Model:   req.LLMModel,
			BaseURL: o.cfg.LLM.BaseURL,
		}
		if params.Model == "" {
			params.Model = o.cfg.LLM.Model
		}
		llmRes, lerr := o.llm.Extract(jctx, content, json.RawMessage(req.Schema), params)
		if lerr != nil {
			return nil, lerr
		}
		result.Structured = llmRes.Data
		result.Usage = llmRes.Usage
	}

	if o.results != nil {
		o.results.Set(key, result)
	}
	return result, nil
}

func (o *Orchestrator) finishOK(id string, req *models.ExtractRequest, result *models.ExtractionResult) {
	if !o.store.transition(id, models.StatusSucceeded, func(j *models.Job) {
		j.Result = result
	}) {
		return
	}
	slog.Info("job succeeded", "id", id,
		"fields", len(result.Fields), "partial", result.Partial)
	o.notify(req, id, webhook.EventJobCompleted, result)
}

func (o *Orchestrator) finishErr(id string, req *models.ExtractRequest, err error) {
	detail := models.DetailOf(err)
	to := models.StatusFailed
	event := webhook.EventJobFailed
	if detail.Code == models.ErrCodeCancelled {
		to = models.StatusCancelled
		event = webhook.EventJobCancelled
	}
	if !o.store.transition(id, to, func(j *models.Job) {
		j.Error = detail
	}) {
		return
	}
	slog.Warn("job finished with error", "id", id, "code", detail.Code, "message", detail.Message)
	o.notify(req, id, event, map[string]any{"error": detail})
}

func (o *Orchestrator) notify(req *models.ExtractRequest, id, eventType string, data any) {
	if req.WebhookURL == "" {
		return
	}
	webhook.DeliverAsync(req.WebhookURL, o.cfg.Webhook.Secret, &webhook.Event{
		Type:      eventType,
		JobID:     id,
		Timestamp: time.Now().Unix(),
		Data:      data,
	})
}

// sessionOptions maps request overrides onto the configured session
// defaults. Zero-valued fields fall back inside the context manager.
func sessionOptions(req *models.ExtractRequest, cfg *config.Config) browser.SessionOptions {
	blocked := cfg.Navigation.BlockedResourceTypes
	if req.BlockImages {
		blocked = append(append([]string(nil), blocked...), "Image")
	}
	return browser.SessionOptions{
		TargetURL:            req.Locator,
		UserAgent:            req.UserAgent,
		Stealth:              req.Stealth,
		Headers:              req.Headers,
		Cookies:              req.Cookies,
		BlockedResourceTypes: blocked,
		BlockAds:             true,
	}
}

// browserFault reports whether a pipeline failure reflects on the browser
// rather than the target page or the caller. Timeouts count: a wedged
// renderer shows up as timeouts on pages that normally load.
func browserFault(err error) bool {
	switch models.CodeOf(err) {
	case models.ErrCodeBrowserCrash, models.ErrCodeTimeout, models.ErrCodeInternal:
		return true
	}
	return false
}

// cancelledErr classifies a context error observed at a suspension point.
func cancelledErr(err error) *models.EngineError {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewEngineError(models.ErrCodeTimeout, "job budget exhausted", err)
	}
	return models.NewEngineError(models.ErrCodeCancelled, "job cancelled", err)
}
