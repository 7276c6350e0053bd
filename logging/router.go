package logging

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans published events out to one worker per sink.
//
// Events below MinimumSeverity are discarded at Publish. When the queue is
// full, debug and info events (stale sequences, retransmits, joins) are
// dropped at once while warn and error events (exhausted deliveries,
// validation rejections, malformed frames) wait up to OverflowWait. Drops
// are counted per event type and reported on the fallback logger at most
// once per DropWarnInterval.
type Router struct {
	clock        Clock
	queue        chan Event
	workers      []*sinkWorker
	fallback     zerolog.Logger
	minSeverity  Severity
	fields       map[string]any
	overflowWait time.Duration
	warnInterval time.Duration

	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	published atomic.Uint64

	dropMu       sync.Mutex
	droppedTotal uint64
	dropped      map[EventType]uint64
	lastDropWarn time.Time
}

// RouterStats is the delivery summary exposed on /diagnostics.
type RouterStats struct {
	EventsTotal   uint64               `json:"eventsTotal"`
	DroppedTotal  uint64               `json:"droppedTotal"`
	DroppedByType map[EventType]uint64 `json:"droppedByType,omitempty"`
	Sinks         []SinkStats          `json:"sinks"`
}

// SinkStats counts what one sink worker did with the events it received.
type SinkStats struct {
	Name    string `json:"name"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	// Skipped events arrived while the sink was backing off after a failure.
	Skipped uint64 `json:"skipped"`
	// Dropped events found the sink backlog full.
	Dropped uint64 `json:"dropped"`
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.DropWarnInterval <= 0 {
		cfg.DropWarnInterval = def.DropWarnInterval
	}
	if cfg.SinkBackoffMax <= 0 {
		cfg.SinkBackoffMax = def.SinkBackoffMax
	}
	if cfg.OverflowWait < 0 {
		cfg.OverflowWait = 0
	}

	r := &Router{
		clock:        clock,
		queue:        make(chan Event, cfg.BufferSize),
		fallback:     zerolog.New(os.Stderr).With().Timestamp().Str("component", "logging").Logger(),
		minSeverity:  cfg.MinimumSeverity,
		fields:       cfg.CloneFields(),
		overflowWait: cfg.OverflowWait,
		warnInterval: cfg.DropWarnInterval,
		done:         make(chan struct{}),
		dropped:      make(map[EventType]uint64),
	}

	backlog := min(max(cfg.BufferSize, 32), 1024)
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		r.workers = append(r.workers, &sinkWorker{
			name:       named.Name,
			sink:       named.Sink,
			events:     make(chan Event, backlog),
			fallback:   r.fallback,
			clock:      clock,
			backoffMax: cfg.SinkBackoffMax,
		})
	}

	r.wg.Add(1)
	go r.dispatch()
	for _, w := range r.workers {
		r.wg.Add(1)
		go func(w *sinkWorker) {
			defer r.wg.Done()
			w.run()
		}(w)
	}
	return r, nil
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	defer func() {
		for _, w := range r.workers {
			close(w.events)
		}
	}()
	for {
		select {
		case <-r.done:
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		case event := <-r.queue:
			r.forward(event)
		}
	}
}

func (r *Router) forward(event Event) {
	if len(r.fields) > 0 {
		event = cloneForFields(event)
		if event.Extra == nil {
			event.Extra = make(map[string]any, len(r.fields))
		}
		for k, v := range r.fields {
			if _, exists := event.Extra[k]; !exists {
				event.Extra[k] = v
			}
		}
	}
	for _, w := range r.workers {
		w.enqueue(event)
	}
}

// Publish never blocks for debug and info events.
func (r *Router) Publish(ctx context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	if event.Severity < r.minSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}

	select {
	case r.queue <- event:
		r.published.Add(1)
		return
	default:
	}

	if event.Severity < SeverityWarn || r.overflowWait == 0 {
		r.recordDrop(event)
		return
	}
	timer := time.NewTimer(r.overflowWait)
	defer timer.Stop()
	select {
	case r.queue <- event:
		r.published.Add(1)
	case <-ctx.Done():
		r.recordDrop(event)
	case <-timer.C:
		r.recordDrop(event)
	}
}

func (r *Router) recordDrop(event Event) {
	r.dropMu.Lock()
	r.droppedTotal++
	r.dropped[event.Type]++
	total := r.droppedTotal
	now := time.Now()
	warn := r.lastDropWarn.IsZero() || now.Sub(r.lastDropWarn) >= r.warnInterval
	if warn {
		r.lastDropWarn = now
	}
	r.dropMu.Unlock()

	if warn {
		r.fallback.Warn().
			Str("type", string(event.Type)).
			Str("severity", event.Severity.String()).
			Uint64("dropped_total", total).
			Msg("event queue full, dropping event")
	}
}

// Close stops accepting events, flushes what is queued and closes every sink.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.done)

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, w := range r.workers {
		if err := w.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal: r.published.Load(),
		Sinks:       make([]SinkStats, 0, len(r.workers)),
	}
	r.dropMu.Lock()
	stats.DroppedTotal = r.droppedTotal
	if len(r.dropped) > 0 {
		stats.DroppedByType = make(map[EventType]uint64, len(r.dropped))
		for k, v := range r.dropped {
			stats.DroppedByType[k] = v
		}
	}
	r.dropMu.Unlock()

	for _, w := range r.workers {
		stats.Sinks = append(stats.Sinks, w.stats())
	}
	sort.Slice(stats.Sinks, func(i, j int) bool { return stats.Sinks[i].Name < stats.Sinks[j].Name })
	return stats
}

type sinkWorker struct {
	name       string
	sink       Sink
	events     chan Event
	fallback   zerolog.Logger
	clock      Clock
	backoffMax time.Duration

	// Owned by run.
	failures    int
	pausedUntil time.Time

	written atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64
	dropped atomic.Uint64
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- cloneForFields(event):
	default:
		w.dropped.Add(1)
	}
}

// run writes events in order. After a failed write the sink is paused for
// an exponentially growing delay and events arriving meanwhile are skipped,
// so a broken sink never stalls the dispatcher.
func (w *sinkWorker) run() {
	for event := range w.events {
		if !w.pausedUntil.IsZero() && w.clock.Now().Before(w.pausedUntil) {
			w.skipped.Add(1)
			continue
		}
		if err := w.sink.Write(event); err != nil {
			w.fail(event, err)
			continue
		}
		w.written.Add(1)
		w.failures = 0
		w.pausedUntil = time.Time{}
	}
}

func (w *sinkWorker) fail(event Event, err error) {
	w.failed.Add(1)
	w.failures++
	delay := min(time.Duration(1<<min(w.failures-1, 10))*time.Second, w.backoffMax)
	w.pausedUntil = w.clock.Now().Add(delay)
	w.fallback.Error().Err(err).
		Str("sink", w.name).
		Str("type", string(event.Type)).
		Dur("pause", delay).
		Msg("sink write failed")
}

func (w *sinkWorker) stats() SinkStats {
	return SinkStats{
		Name:    w.name,
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Skipped: w.skipped.Load(),
		Dropped: w.dropped.Load(),
	}
}
