package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls dispatcher buffering and retry behavior.
type Config struct {
	Enabled bool
	// BufferSize is the queue depth between callers and the sink worker.
	BufferSize int
	// DropIfFull sheds events instead of back-pressuring callers when the
	// queue is full.
	DropIfFull bool
	// RetryCritical retries security-critical events once on sink failure
	// before counting them lost.
	RetryCritical bool
	// EmitTimeout bounds each sink delivery attempt.
	EmitTimeout time.Duration
}

// Dispatcher asynchronously forwards audit events to a sink. Emitting never
// fails the caller; delivery failures are logged and counted.
type Dispatcher struct {
	cfg       Config
	sink      Sink
	log       *zap.Logger
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	lost      atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the sink worker. Returns nil when auditing is
// disabled; a nil Dispatcher is safe to use and does nothing.
func NewDispatcher(cfg Config, sink Sink, log *zap.Logger) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = 5 * time.Second
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	d := &Dispatcher{
		cfg:  cfg,
		sink: sink,
		log:  log,
		ch:   make(chan Event, cfg.BufferSize),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	err := d.emitOnce(event)
	if err != nil && d.cfg.RetryCritical && event.Critical() {
		d.log.Warn("audit write failed, retrying critical event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
		err = d.emitOnce(event)
	}
	if err != nil {
		d.lost.Add(1)
		d.log.Error("audit event lost",
			zap.String("event_type", event.EventType),
			zap.Bool("critical", event.Critical()),
			zap.Error(err))
	}
}

func (d *Dispatcher) emitOnce(event Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.EmitTimeout)
	defer cancel()
	return d.sink.Emit(ctx, event)
}

// Emit queues an event for delivery. It never returns an error: the caller's
// operation outcome must not depend on audit availability.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.done:
	}
}

// Close drains the queue and stops the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped counts events shed before reaching the sink.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Lost counts events the sink failed to record after any retries.
func (d *Dispatcher) Lost() uint64 {
	if d == nil {
		return 0
	}
	return d.lost.Load()
}
