package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-recon/internal/domain"
	"github.com/ashureev/shsh-recon/internal/queue"
	"github.com/ashureev/shsh-recon/internal/store"
	"github.com/ashureev/shsh-recon/internal/telemetry"
	"github.com/ashureev/shsh-recon/internal/validate"
)

// StageFunc runs one stage for the scan described by ev.
type StageFunc func(ctx context.Context, ev Event) (StageResult, error)

// StageResult is what a stage hands back to the orchestrator.
type StageResult struct {
	Output   any
	Counters map[string]int
	Skipped  bool
	// Report closes the scan when the stage is final.
	Report string
}

// Stage binds a stage function to its trigger and completion subjects.
type Stage struct {
	Name       domain.StageName
	Trigger    string
	Completion string
	Final      bool
	Run        StageFunc
}

// SessionEnder tears down the sandbox session used by a scan.
type SessionEnder interface {
	EndSession(ctx context.Context, id string) error
}

// Options configures an Orchestrator.
type Options struct {
	Sessions       SessionEnder
	Metrics        *telemetry.Metrics
	PersistTimeout time.Duration
}

// Orchestrator subscribes stage handlers and starts scans. It keeps no scan
// state of its own; everything lives in the store.
type Orchestrator struct {
	queue  queue.Queue
	store  store.PipelineStore
	opts   Options
	stages []Stage

	mu      sync.Mutex
	cancels []func()
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(q queue.Queue, st store.PipelineStore, opts Options) *Orchestrator {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	return &Orchestrator{queue: q, store: st, opts: opts}
}

// SessionID returns the sandbox session and log key used by a scan.
func SessionID(scanID string) string {
	return "scan-" + scanID
}

// Register adds stages. It must be called before Start.
func (o *Orchestrator) Register(stages ...Stage) {
	o.stages = append(o.stages, stages...)
}

// Start subscribes every registered stage to its trigger subject.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.stages {
		cancel, err := o.queue.Subscribe(ctx, s.Trigger, o.handler(s))
		if err != nil {
			for _, c := range o.cancels {
				c()
			}
			o.cancels = nil
			return fmt.Errorf("subscribe %s: %w", s.Name, err)
		}
		o.cancels = append(o.cancels, cancel)
		slog.Info("Pipeline stage subscribed", "stage", s.Name, "subject", s.Trigger)
	}
	return nil
}

// Stop removes every subscription.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range o.cancels {
		c()
	}
	o.cancels = nil
}

// StartScan validates target, records a new run and emits scan.initiated.
func (o *Orchestrator) StartScan(ctx context.Context, target string) (*domain.PipelineRun, error) {
	v := validate.Domain(target)
	if !v.Valid {
		return nil, &ValidationError{Target: target, Reason: v.Error}
	}

	run := &domain.PipelineRun{
		ScanID: uuid.NewString(),
		Target: v.Sanitized,
		Status: domain.ScanRunning,
	}
	if err := o.store.CreatePipelineRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create pipeline run: %w", err)
	}

	data, err := json.Marshal(Event{ScanID: run.ScanID, Target: run.Target})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	if err := o.queue.Publish(ctx, queue.SubjectScanInitiated, data); err != nil {
		if ferr := o.store.FinishPipelineRun(ctx, run.ScanID, domain.ScanFailed, "", err.Error()); ferr != nil {
			slog.Error("Failed to close unpublished scan", "scan_id", run.ScanID, "error", ferr)
		}
		return nil, fmt.Errorf("publish %s: %w", queue.SubjectScanInitiated, err)
	}

	slog.Info("Scan started", "scan_id", run.ScanID, "target", run.Target)
	return o.store.GetPipelineRun(ctx, run.ScanID)
}

// GetScan returns the current state of a scan.
func (o *Orchestrator) GetScan(ctx context.Context, scanID string) (*domain.PipelineRun, error) {
	return o.store.GetPipelineRun(ctx, scanID)
}

// handler wraps a stage so that redelivered messages are idempotent.
// Returning an error naks the message.
func (o *Orchestrator) handler(s Stage) queue.Handler {
	return func(ctx context.Context, subject string, data []byte) error {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.ScanID == "" {
			slog.Error("Dropping malformed pipeline event", "subject", subject, "error", err)
			return nil
		}
		log := slog.With("scan_id", ev.ScanID, "stage", s.Name)

		rec, err := o.store.GetStage(ctx, ev.ScanID, s.Name)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Dropping event for unknown scan")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load stage: %w", err)
		}

		switch rec.Status {
		case domain.StageDone, domain.StageSkipped:
			log.Info("Stage already finished, re-emitting stored output")
			return o.emit(ctx, s, ev, rec.Output, rec.Counters)
		case domain.StageFailed:
			log.Info("Stage already failed, ignoring redelivery")
			return nil
		}

		run, err := o.store.GetPipelineRun(ctx, ev.ScanID)
		if err != nil {
			return fmt.Errorf("load pipeline run: %w", err)
		}
		if run.Status != domain.ScanRunning {
			log.Info("Scan no longer running, ignoring event", "status", run.Status)
			return nil
		}

		if err := o.store.SaveStage(ctx, &domain.StageRecord{ScanID: ev.ScanID, Stage: s.Name, Status: domain.StageRunning}); err != nil {
			return fmt.Errorf("mark stage running: %w", err)
		}

		log.Info("Stage started")
		stageCtx, span := telemetry.StartStageSpan(ctx, ev.ScanID, string(s.Name))
		res, err := s.Run(stageCtx, ev)
		telemetry.EndSpan(span, err)

		if err != nil {
			if IsRetryable(err) {
				log.Warn("Stage interrupted, requesting redelivery", "error", err)
				return err
			}
			log.Error("Stage failed", "error", err)
			return o.fail(ctx, s, ev, err)
		}
		return o.complete(ctx, s, ev, res)
	}
}

func (o *Orchestrator) complete(ctx context.Context, s Stage, ev Event, res StageResult) error {
	output, err := json.Marshal(res.Output)
	if err != nil {
		return o.fail(ctx, s, ev, fmt.Errorf("marshal output: %w", err))
	}
	status := domain.StageDone
	if res.Skipped {
		status = domain.StageSkipped
	}

	persistCtx, cancel := o.persistContext(ctx)
	defer cancel()

	rec := &domain.StageRecord{
		ScanID:   ev.ScanID,
		Stage:    s.Name,
		Status:   status,
		Output:   output,
		Counters: res.Counters,
	}
	if err := o.store.SaveStage(persistCtx, rec); err != nil {
		return fmt.Errorf("save stage: %w", err)
	}
	o.opts.Metrics.StageFinished(ctx, string(s.Name), string(status))
	slog.Info("Stage finished", "scan_id", ev.ScanID, "stage", s.Name, "status", status)

	if s.Final {
		if err := o.store.FinishPipelineRun(persistCtx, ev.ScanID, domain.ScanCompleted, res.Report, ""); err != nil {
			return fmt.Errorf("finish pipeline run: %w", err)
		}
		o.endSession(persistCtx, ev.ScanID)
		slog.Info("Scan completed", "scan_id", ev.ScanID)
	}
	return o.emit(ctx, s, ev, output, res.Counters)
}

// fail records a stage failure and closes the scan. The message is acked
// unless the failure itself cannot be stored.
func (o *Orchestrator) fail(ctx context.Context, s Stage, ev Event, cause error) error {
	persistCtx, cancel := o.persistContext(ctx)
	defer cancel()

	rec := &domain.StageRecord{ScanID: ev.ScanID, Stage: s.Name, Status: domain.StageFailed, Error: cause.Error()}
	if err := o.store.SaveStage(persistCtx, rec); err != nil {
		return fmt.Errorf("save failed stage: %w", err)
	}
	msg := fmt.Sprintf("%s: %v", s.Name, cause)
	if err := o.store.FinishPipelineRun(persistCtx, ev.ScanID, domain.ScanFailed, "", msg); err != nil {
		return fmt.Errorf("fail pipeline run: %w", err)
	}
	o.opts.Metrics.StageFinished(ctx, string(s.Name), string(domain.StageFailed))
	o.endSession(persistCtx, ev.ScanID)
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, s Stage, ev Event, output json.RawMessage, counters map[string]int) error {
	data, err := json.Marshal(Event{
		ScanID:   ev.ScanID,
		Target:   ev.Target,
		Stage:    s.Name,
		Output:   output,
		Counters: counters,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := o.queue.Publish(ctx, s.Completion, data); err != nil {
		return fmt.Errorf("publish %s: %w", s.Completion, err)
	}
	return nil
}

func (o *Orchestrator) endSession(ctx context.Context, scanID string) {
	if o.opts.Sessions == nil {
		return
	}
	if err := o.opts.Sessions.EndSession(ctx, SessionID(scanID)); err != nil {
		slog.Warn("Failed to end scan session", "scan_id", scanID, "error", err)
	}
}

// persistContext keeps terminal writes alive when the delivery context is
// cancelled mid-stage.
func (o *Orchestrator) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.opts.PersistTimeout)
}
