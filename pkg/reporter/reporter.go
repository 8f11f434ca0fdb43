package reporter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/logging"
	"github.com/voxrelay/voxrelay/pkg/relay"
	"github.com/voxrelay/voxrelay/pkg/resilience"
)

// CallFinal is the persisted shape of a session outcome.
type CallFinal struct {
	CallSID     string
	StreamSID   string
	OutboundRef string
	AgentID     string
	Reason      string
	ErrReason   string
	StartedAt   time.Time
	EndedAt     time.Time
	DurationMS  int64
	FramesUp    int64
	FramesDown  int64
}

// CallStore persists call outcomes. FinalizeCall is an idempotent upsert
// keyed by call SID: it returns applied=false when a terminal row already
// exists, in which case nothing is updated and no side effects may fire.
type CallStore interface {
	FinalizeCall(ctx context.Context, final CallFinal) (applied bool, err error)
	AttachRecording(ctx context.Context, callSID, recordingURL string) error
}

type Config struct {
	QueueBuffer  int           `mapstructure:"queue_buffer"`
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
	RetryMax     int           `mapstructure:"retry_max"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

func (c Config) withDefaults() Config {
	if c.QueueBuffer <= 0 {
		c.QueueBuffer = 256
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	return c
}

// Reporter consumes final session outcomes, persists them, and fans out
// best-effort notifications. It never blocks relay teardown: outcomes are
// queued and worked off a single background worker.
type Reporter struct {
	cfg      Config
	store    CallStore
	notifier Notifier
	retry    resilience.RetryPolicy
	log      *slog.Logger

	jobs    chan job
	dropped atomic.Int64
	once    sync.Once
	wg      sync.WaitGroup
}

// Notifier receives side-effect notifications after an outcome has been
// durably recorded. Implementations retry independently.
type Notifier interface {
	NotifyFinal(final CallFinal)
	NotifyRecording(callSID, recordingURL string)
}

type job struct {
	final        *CallFinal
	recordingSID string
	recordingURL string
}

func New(cfg Config, store CallStore, notifier Notifier) *Reporter {
	cfg = cfg.withDefaults()
	r := &Reporter{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		retry:    resilience.NewRetryPolicy(cfg.RetryMax, cfg.RetryBackoff),
		log:      logging.NewComponentLogger(slog.Default(), "reporter"),
		jobs:     make(chan job, cfg.QueueBuffer),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Report implements relay.Reporter.
func (r *Reporter) Report(o relay.Outcome) {
	final := finalFromOutcome(o)
	r.enqueue(job{final: &final})
}

// RecordingReady implements relay.RecordingReporter; the provider delivers
// recording URLs asynchronously, often after the call row is terminal.
func (r *Reporter) RecordingReady(callSID, recordingURL string) {
	if callSID == "" || recordingURL == "" {
		return
	}
	r.enqueue(job{recordingSID: callSID, recordingURL: recordingURL})
}

// Dropped returns the number of outcomes lost to queue overflow.
func (r *Reporter) Dropped() int64 { return r.dropped.Load() }

// Close drains the queue and stops the worker.
func (r *Reporter) Close() {
	r.once.Do(func() {
		close(r.jobs)
	})
	r.wg.Wait()
}

func (r *Reporter) enqueue(j job) {
	defer func() {
		// Reporting after Close loses the outcome rather than panicking.
		if recover() != nil {
			r.dropped.Add(1)
		}
	}()
	select {
	case r.jobs <- j:
	default:
		r.dropped.Add(1)
		r.log.Warn("reporter_queue_overflow")
	}
}

func (r *Reporter) loop() {
	defer r.wg.Done()
	for j := range r.jobs {
		if j.final != nil {
			r.persistFinal(*j.final)
			continue
		}
		r.persistRecording(j.recordingSID, j.recordingURL)
	}
}

func (r *Reporter) persistFinal(final CallFinal) {
	var applied bool
	err := r.retry.Do(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
		defer cancel()
		var err error
		applied, err = r.store.FinalizeCall(ctx, final)
		return err
	})
	if err != nil {
		r.log.Error("reporter_finalize_failed",
			"call_sid", final.CallSID,
			"error", err.Error(),
			"reason_code", string(errorsx.ReasonStoreWrite),
		)
		return
	}
	if !applied {
		// Late duplicate: terminal row already present, nothing re-fires.
		r.log.Debug("reporter_duplicate_final", "call_sid", final.CallSID)
		return
	}
	r.log.Info("reporter_call_finalized",
		"call_sid", final.CallSID,
		"reason", final.Reason,
		"duration_ms", final.DurationMS,
	)
	if r.notifier != nil {
		r.notifier.NotifyFinal(final)
	}
}

func (r *Reporter) persistRecording(callSID, recordingURL string) {
	err := r.retry.Do(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
		defer cancel()
		return r.store.AttachRecording(ctx, callSID, recordingURL)
	})
	if err != nil {
		r.log.Error("reporter_recording_failed",
			"call_sid", callSID,
			"error", err.Error(),
			"reason_code", string(errorsx.ReasonStoreWrite),
		)
		return
	}
	if r.notifier != nil {
		r.notifier.NotifyRecording(callSID, recordingURL)
	}
}

func finalFromOutcome(o relay.Outcome) CallFinal {
	errReason := ""
	if o.Err != nil {
		errReason = string(errorsx.Reason(o.Err))
	}
	return CallFinal{
		CallSID:     o.CallSID,
		StreamSID:   o.StreamSID,
		OutboundRef: o.OutboundRef,
		AgentID:     o.AgentID,
		Reason:      string(o.Reason),
		ErrReason:   errReason,
		StartedAt:   o.StartedAt,
		EndedAt:     o.EndedAt,
		DurationMS:  o.Duration().Milliseconds(),
		FramesUp:    o.FramesUp,
		FramesDown:  o.FramesDown,
	}
}
