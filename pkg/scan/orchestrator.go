// Package scan drives the guided capture flow: a fixed-cadence bounded
// capture loop, fire-and-forget analysis dispatches with an explicit
// last-write-wins result slot, and a single persistence step at completion.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"femora/pkg/analysis"
	"femora/pkg/domain"
	"femora/pkg/events"
	"femora/pkg/storage"
	"femora/pkg/store"
)

// State of the orchestrator. One capture attempt moves Idle -> Capturing ->
// Completing -> Done/Failed; Stop during capture returns straight to Idle.
type State string

const (
	StateIdle       State = "idle"
	StateCapturing  State = "capturing"
	StateCompleting State = "completing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// ErrCaptureActive is returned by Start while an attempt is in flight.
var ErrCaptureActive = errors.New("capture already in progress")

const (
	defaultInterval   = 2 * time.Second
	defaultFrameLimit = 5
)

// FrameSource produces one frame per call. The camera layer implements this.
type FrameSource interface {
	Capture(ctx context.Context) ([]byte, error)
}

// AnalysisClient dispatches one frame to the analysis backend.
type AnalysisClient interface {
	ProcessImage(ctx context.Context, frame []byte, meta analysis.Metadata) (domain.ProcessingStatus, error)
}

// StatusSink receives the final job state for status polling, scoped to the
// owning tenant. *statuscache.Cache satisfies it.
type StatusSink interface {
	Put(ctx context.Context, tenantID, scanID string, status domain.ProcessingStatus) error
}

// Result is delivered on the Done channel when an attempt finishes.
type Result struct {
	Scan    domain.ScanSession
	Stopped bool
	Err     error
}

// Config wires the orchestrator's collaborators. Source, Analysis, and Store
// are required; the rest are optional.
type Config struct {
	Source     FrameSource
	Analysis   AnalysisClient
	Store      store.Store
	Frames     storage.FrameStore
	Local      *analysis.LocalAnalyzer
	Statuses   StatusSink
	Events     events.Publisher
	Logger     *slog.Logger
	ScanType   string
	Interval   time.Duration
	FrameLimit int
}

// Orchestrator runs one capture attempt at a time.
type Orchestrator struct {
	source     FrameSource
	analysis   AnalysisClient
	store      store.Store
	frames     storage.FrameStore
	local      *analysis.LocalAnalyzer
	statuses   StatusSink
	events     events.Publisher
	logger     *slog.Logger
	scanType   string
	interval   time.Duration
	frameLimit int

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	buffer     [][]byte
	tenantID   string
	generation uint64
	seq        uint64
	latestSeq  uint64
	latest     *domain.ProcessingStatus
	latestFrom domain.ScanBackend
	terminal   chan struct{}
	done       chan Result
}

// New constructs an idle orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Source == nil || cfg.Analysis == nil || cfg.Store == nil {
		return nil, errors.New("scan orchestrator requires source, analysis client, and store")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	frameLimit := cfg.FrameLimit
	if frameLimit <= 0 {
		frameLimit = defaultFrameLimit
	}
	scanType := cfg.ScanType
	if scanType == "" {
		scanType = domain.DefaultScanType
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Orchestrator{
		source:     cfg.Source,
		analysis:   cfg.Analysis,
		store:      cfg.Store,
		frames:     cfg.Frames,
		local:      cfg.Local,
		statuses:   cfg.Statuses,
		events:     publisher,
		logger:     logger,
		scanType:   scanType,
		interval:   interval,
		frameLimit: frameLimit,
		state:      StateIdle,
	}, nil
}

// State returns the current attempt state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Done yields the result of the running (or last) attempt. The channel is
// replaced on every Start.
func (o *Orchestrator) Done() <-chan Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Start begins a capture attempt for the tenant. Only one attempt may run at
// a time.
func (o *Orchestrator) Start(ctx context.Context, tenantID string) error {
	o.mu.Lock()
	if o.state == StateCapturing || o.state == StateCompleting {
		o.mu.Unlock()
		return ErrCaptureActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.state = StateCapturing
	o.cancel = cancel
	o.buffer = nil
	o.tenantID = tenantID
	o.generation++
	o.seq = 0
	o.latestSeq = 0
	o.latest = nil
	o.latestFrom = ""
	o.terminal = make(chan struct{})
	o.done = make(chan Result, 1)
	generation := o.generation
	o.mu.Unlock()

	go o.run(runCtx, o.terminal, generation)
	return nil
}

// Stop cancels the capture loop, discards buffered frames and any in-flight
// analysis results, and returns to Idle without persisting anything. It is a
// no-op outside the capturing phase.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state != StateCapturing {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	done := o.done
	o.state = StateIdle
	o.buffer = nil
	o.latest = nil
	o.latestSeq = 0
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done <- Result{Stopped: true}
}

func (o *Orchestrator) run(ctx context.Context, terminal <-chan struct{}, generation uint64) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	captured := 0
	for captured < o.frameLimit {
		select {
		case <-ctx.Done():
			// Stop already reset the state.
			return
		case <-terminal:
			captured = o.frameLimit
		case <-ticker.C:
			frame, err := o.source.Capture(ctx)
			if err != nil {
				o.logger.Warn("frame capture failed", "tenant_id", o.tenantID, "err", err)
				continue
			}
			captured++
			o.mu.Lock()
			if o.state != StateCapturing {
				o.mu.Unlock()
				return
			}
			o.buffer = append(o.buffer, frame)
			o.seq++
			seq := o.seq
			o.mu.Unlock()
			go o.dispatch(ctx, generation, seq, frame)
		}
	}
	o.complete(ctx)
}

// dispatch sends one frame to the analysis backend, falling back to the local
// analyzer when the backend is unreachable. Responses may arrive out of send
// order; accept applies last-write-wins by sequence number.
func (o *Orchestrator) dispatch(ctx context.Context, generation, seq uint64, frame []byte) {
	meta := analysis.Metadata{
		TenantID:  o.tenantID,
		ScanType:  o.scanType,
		Timestamp: time.Now().UTC(),
	}
	status, err := o.analysis.ProcessImage(ctx, frame, meta)
	backend := domain.BackendRemote
	if err != nil {
		if o.local == nil {
			o.logger.Warn("analysis dispatch failed", "tenant_id", o.tenantID, "seq", seq, "err", err)
			return
		}
		o.logger.Info("analysis dispatch failed, using local analyzer", "tenant_id", o.tenantID, "seq", seq, "err", err)
		result := o.local.Analyze()
		status = domain.ProcessingStatus{Status: domain.ScanCompleted, Progress: 100, Result: &result}
		backend = domain.BackendLocal
	}
	o.accept(generation, seq, status, backend)
}

// accept installs a response only if it belongs to the current attempt and
// its sequence number is the highest seen so far, making the last-write-wins
// policy explicit instead of a side effect of callback timing. The generation
// check keeps an in-flight response from a stopped attempt out of the next
// attempt's result slot.
func (o *Orchestrator) accept(generation, seq uint64, status domain.ProcessingStatus, backend domain.ScanBackend) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if generation != o.generation {
		return
	}
	if o.state != StateCapturing && o.state != StateCompleting {
		return
	}
	if seq <= o.latestSeq {
		return
	}
	o.latestSeq = seq
	o.latest = &status
	o.latestFrom = backend
	if status.Terminal() {
		select {
		case <-o.terminal:
		default:
			close(o.terminal)
		}
	}
}

func (o *Orchestrator) complete(ctx context.Context) {
	o.mu.Lock()
	if o.state != StateCapturing {
		o.mu.Unlock()
		return
	}
	o.state = StateCompleting
	buffer := o.buffer
	latest := o.latest
	backend := o.latestFrom
	tenantID := o.tenantID
	done := o.done
	o.mu.Unlock()

	var result domain.AnalysisResult
	if latest != nil && latest.Result != nil {
		result = *latest.Result
	} else {
		// No analysis response made it back. Show the canned low-risk
		// default rather than inventing a risk level for frames nobody
		// analyzed; the local analyzer only stands in per dispatch.
		result = analysis.DefaultResult()
		backend = domain.BackendLocal
	}

	scan, err := o.persist(ctx, tenantID, buffer, result, backend)

	o.mu.Lock()
	if err != nil {
		o.state = StateFailed
	} else {
		o.state = StateDone
	}
	o.buffer = nil
	o.mu.Unlock()

	if err != nil {
		o.publish(ctx, events.NewEvent(events.TypeScanFailed, tenantID, scan.ID, map[string]string{"error": err.Error()}))
		done <- Result{Scan: scan, Err: err}
		return
	}
	o.publish(ctx, events.NewEvent(events.TypeScanCompleted, tenantID, scan.ID, map[string]string{
		"riskLevel": string(result.RiskLevel),
		"backend":   string(backend),
	}))
	done <- Result{Scan: scan}
}

// persist creates the scan document and immediately marks it completed with
// the synthesized result. A failure is reported to the caller and never
// retried; the frame buffer is discarded either way.
func (o *Orchestrator) persist(ctx context.Context, tenantID string, buffer [][]byte, result domain.AnalysisResult, backend domain.ScanBackend) (domain.ScanSession, error) {
	refs := make([]string, len(buffer))
	for i := range buffer {
		refs[i] = fmt.Sprintf("frame-%d", i)
	}

	scanID, err := o.store.CreateScanSession(tenantID, domain.NewScan{
		ScanType: o.scanType,
		Images:   refs,
	})
	if err != nil {
		return domain.ScanSession{}, fmt.Errorf("create scan session: %w", err)
	}

	var urls []string
	if o.frames != nil {
		for i, frame := range buffer {
			url, err := o.frames.PutFrame(ctx, tenantID, scanID, i, frame)
			if err != nil {
				o.logger.Warn("frame upload failed", "tenant_id", tenantID, "scan_id", scanID, "frame", i, "err", err)
				continue
			}
			urls = append(urls, url)
		}
	}

	now := time.Now().UTC()
	completed := domain.ScanCompleted
	processing := domain.ProcessingStatus{Status: domain.ScanCompleted, Progress: 100, Result: &result}
	update := domain.ScanUpdate{
		Status:     &completed,
		CapturedAt: &now,
		Result:     &result,
		Processing: &processing,
		Backend:    &backend,
		ImageURLs:  urls,
	}
	if err := o.store.UpdateScanSession(tenantID, scanID, update); err != nil {
		return domain.ScanSession{ID: scanID, TenantID: tenantID}, fmt.Errorf("complete scan session: %w", err)
	}

	if o.statuses != nil {
		if err := o.statuses.Put(ctx, tenantID, scanID, processing); err != nil {
			o.logger.Warn("status cache update failed", "scan_id", scanID, "err", err)
		}
	}

	scan, ok, err := o.store.GetScanSession(tenantID, scanID)
	if err != nil || !ok {
		// The write succeeded; reread is best-effort.
		scan = domain.ScanSession{ID: scanID, TenantID: tenantID, Status: domain.ScanCompleted, Result: &result}
	}
	return scan, nil
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Warn("event publish failed", "type", event.Type, "err", err)
	}
}
