package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/pipeline"
	"github.com/seantiz/volley/internal/store"
)

// Defaults applied to runs that leave a timeout unset.
const (
	DefaultStartTimeoutS = 10
	DefaultDrainTimeoutS = 60
)

// Observer receives the status line of every matched response of one run.
// It is called concurrently from the pipeline's workers.
type Observer func(line string)

// Limits are socket and buffer bounds shared by every run of one engine.
// Zero fields keep the pipeline defaults.
type Limits struct {
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	QueueTimeout    time.Duration
	MaxResponseSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits applies l to every run the engine executes.
func WithLimits(l Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// Engine orchestrates run execution.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	limits Limits
	wg     sync.WaitGroup
	broker *Broker
}

// NewEngine creates a new run engine.
func NewEngine(s store.Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		logger: logger,
		broker: NewBroker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's response broker for SSE subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Submit creates a run record and launches execution in a goroutine. The run
// is stored with status "pending" before returning. The goroutine operates
// on a copy of the run to avoid data races with the caller.
func (e *Engine) Submit(ctx context.Context, r *model.Run) error {
	if err := e.store.CreateRun(ctx, r); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	rCopy := *r
	e.wg.Go(func() {
		e.execute(context.Background(), &rCopy, nil)
	})

	return nil
}

// Run creates a run record and executes it on the calling goroutine, passing
// every response line to observe (which may be nil). Cancelling ctx stops
// queueing; requests already queued still drain. It returns the stored run.
func (e *Engine) Run(ctx context.Context, r *model.Run, observe Observer) (*model.Run, error) {
	// The run is recorded even if ctx is already done.
	if err := e.store.CreateRun(context.WithoutCancel(ctx), r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	e.execute(ctx, r, observe)

	got, err := e.store.GetRun(context.Background(), r.ID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return got, nil
}

// Wait blocks until all submitted runs finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs the lifecycle pending→running→completed/failed.
func (e *Engine) execute(ctx context.Context, r *model.Run, observe Observer) {
	defer e.broker.Close(r.ID)
	logger := e.logger.With("run_id", r.ID)

	if err := e.store.UpdateRunStatus(context.Background(), r.ID, model.StatusRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		e.finishFailed(r, nil, fmt.Sprintf("failed to start: %v", err))
		return
	}
	start := time.Now().UTC()

	cfg := e.pipelineConfig(r)
	callback := func(req, resp []byte) bool {
		line := ResponseLine(req, resp)
		e.broker.Publish(r.ID, line)
		if observe != nil {
			observe(line)
		}
		return true
	}

	p, err := pipeline.New(cfg, callback, logger)
	if err != nil {
		e.finishFailed(r, &start, fmt.Sprintf("create pipeline: %v", err))
		return
	}

	startTimeout := time.Duration(orDefault(r.StartTimeoutS, DefaultStartTimeoutS)) * time.Second
	drainTimeout := time.Duration(orDefault(r.DrainTimeoutS, DefaultDrainTimeoutS)) * time.Second

	// Workers only consume once live, so anything beyond the intake capacity
	// is queued after Start.
	early := min(r.Count, pipeline.DefaultQueueCapacity)
	queued := queueRequests(ctx, p, r.Request, early, logger)
	p.Start(startTimeout)
	if queued == early {
		queueRequests(ctx, p, r.Request, r.Count-early, logger)
	}

	report := p.DrainAndReport(drainTimeout)
	if !report.Drained {
		logger.Warn("drain timed out", "timeout", drainTimeout, "requests", report.Requests)
	}

	if err := e.store.InsertStatusCounts(context.Background(), r.ID, report.StatusCounts); err != nil {
		logger.Error("failed to persist status counts", "error", err)
	}

	now := time.Now().UTC()
	elapsed := report.Elapsed.Milliseconds()
	completed := *r
	completed.Status = model.StatusCompleted
	completed.Succeeded = report.Requests
	completed.Sent = report.Sent
	completed.Retried = report.Retried
	completed.Reconnects = report.Reconnects
	completed.ConnectionFailures = report.ConnectionFailures
	completed.FramingFailures = report.FramingFailures
	completed.Rejected = report.Rejected
	completed.ElapsedMS = &elapsed
	completed.RPS = report.RPS
	completed.Drained = report.Drained
	completed.StartedAt = &start
	completed.FinishedAt = &now

	if err := e.store.UpdateRun(context.Background(), &completed); err != nil {
		logger.Error("failed to update completed run", "error", err)
		return
	}
	logger.Info("run completed",
		"requests", report.Requests,
		"elapsed", report.Elapsed,
		"rps", report.RPS,
		"retried", report.Retried,
	)
}

// pipelineConfig maps a run and the engine limits onto a pipeline config.
func (e *Engine) pipelineConfig(r *model.Run) pipeline.Config {
	return pipeline.Config{
		URL:                   r.Target,
		Workers:               r.Workers,
		ReadFreq:              r.ReadFreq,
		RequestsPerConnection: r.RequestsPerConnection,
		InsecureSkipVerify:    r.Insecure,
		DialTimeout:           e.limits.DialTimeout,
		ReadTimeout:           e.limits.ReadTimeout,
		QueueTimeout:          e.limits.QueueTimeout,
		MaxResponseSize:       e.limits.MaxResponseSize,
	}
}

// queueRequests offers n copies of req and returns how many were accepted.
// A full intake is counted by the pipeline and skipped; cancellation or
// draining stops queueing.
func queueRequests(ctx context.Context, p *pipeline.Engine, req []byte, n int, logger *slog.Logger) int {
	accepted := 0
	for range n {
		err := ctx.Err()
		if err == nil {
			err = p.QueueContext(ctx, req)
		}
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, pipeline.ErrCapacity):
			logger.Warn("request rejected", "error", err)
		default:
			logger.Warn("queueing stopped", "accepted", accepted, "error", err)
			return accepted
		}
	}
	return accepted
}

// finishFailed marks a run as failed with the given error message.
// startedAt may be nil if execution never started.
func (e *Engine) finishFailed(r *model.Run, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	failed := *r
	failed.Status = model.StatusFailed
	failed.Error = errMsg
	failed.StartedAt = startedAt
	failed.FinishedAt = &now

	if err := e.store.UpdateRun(context.Background(), &failed); err != nil {
		e.logger.Error("failed to update failed run", "run_id", r.ID, "error", err)
	}
}

// ResponseLine renders a matched pair as "<status> <request line>", with
// "???" when the response has no parsable status code.
func ResponseLine(req, resp []byte) string {
	status := "???"
	if code, ok := pipeline.StatusCode(resp); ok {
		status = strconv.Itoa(code)
	}
	line, _, _ := bytes.Cut(req, []byte("\r\n"))
	return status + " " + string(line)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
