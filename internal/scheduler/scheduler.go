// Package scheduler implements the Scheduler (C5): cooperative call-outs,
// per-instance heartbeats, and the driver's tick loop.
//
// Grounded on the reference services/automation scheduler — a polling
// time.Ticker loop over a due-time map — rather than a calendar-cron
// library: call-outs here are one-shot, millisecond-resolution delays,
// not cron expressions (see SPEC_FULL.md §11 for why robfig/cron was
// rejected for this component).
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jasona/mudforge-sub002/internal/logging"
)

// Handle identifies a scheduled call-out. Handles are opaque, monotonically
// assigned, and safe to use with RemoveCallOut after the call-out has
// already fired (a no-op, not an error).
type Handle uint64

// HeartbeatFunc dispatches a single heartbeat to an instance, identified
// opaquely by id (the scheduler does not depend on the registry package).
type HeartbeatFunc func(id string) error

type calloutEntry struct {
	handle    Handle
	due       time.Time
	seq       uint64
	fn        func()
	cancelled bool
}

// Scheduler runs the driver's tick loop: due call-outs fire in (due-time,
// insertion-order) sequence, and registered instances receive a periodic
// heartbeat. Call-outs and heartbeats run in two separate goroutines: each
// loop invokes one callable at a time, but a call-out and a heartbeat may
// run concurrently.
type Scheduler struct {
	log *logging.Logger

	tickInterval      time.Duration
	heartbeatInterval time.Duration
	heartbeatFn       HeartbeatFunc

	mu         sync.Mutex
	callouts   map[Handle]*calloutEntry
	nextHandle uint64
	nextSeq    uint64

	heartbeatMu  sync.Mutex
	heartbeatIDs map[string]struct{}
	inFlight     map[string]bool

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	running  bool
	runMu    sync.Mutex
	lastTick time.Time
}

// Config configures a Scheduler.
type Config struct {
	TickInterval      time.Duration // resolution of the call-out loop; default 10ms
	HeartbeatInterval time.Duration // cadence of heartbeat dispatch; default 2s
	HeartbeatFn       HeartbeatFunc
	Logger            *logging.Logger
}

// New creates a Scheduler. Call Start to begin running it.
func New(cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	return &Scheduler{
		log:               cfg.Logger,
		tickInterval:      cfg.TickInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatFn:       cfg.HeartbeatFn,
		callouts:          make(map[Handle]*calloutEntry),
		heartbeatIDs:      make(map[string]struct{}),
		inFlight:          make(map[string]bool),
	}
}

// CallOut schedules fn to run after at least delay, with at most one tick
// of slack. Among call-outs with equal due-time, FIFO order is preserved.
// A delay of 0 still runs on the scheduler's next tick, never the current
// call stack.
func (s *Scheduler) CallOut(fn func(), delay time.Duration) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextHandle++
	s.nextSeq++
	h := Handle(s.nextHandle)
	s.callouts[h] = &calloutEntry{
		handle: h,
		due:    time.Now().Add(delay),
		seq:    s.nextSeq,
		fn:     fn,
	}
	return h
}

// RemoveCallOut cancels a pending call-out. It is idempotent and safe to
// call after the call-out has already fired or been removed.
func (s *Scheduler) RemoveCallOut(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.callouts[h]; ok {
		entry.cancelled = true
		delete(s.callouts, h)
	}
}

// RegisterHeartbeat enrolls id to receive heartbeat dispatch at the
// configured cadence.
func (s *Scheduler) RegisterHeartbeat(id string) {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()
	s.heartbeatIDs[id] = struct{}{}
}

// UnregisterHeartbeat removes id from heartbeat dispatch.
func (s *Scheduler) UnregisterHeartbeat(id string) {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()
	delete(s.heartbeatIDs, id)
	delete(s.inFlight, id)
}

// Start begins the tick loop in a background goroutine. Calling Start
// while already running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go s.runCallOutLoop(runCtx)
	go s.runHeartbeatLoop(runCtx)
}

// Stop halts the tick loop and waits for it to exit. Pending call-outs and
// heartbeat registrations are left intact — use Clear to drop them too.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.runMu.Unlock()
	s.wg.Wait()
}

// Clear drops every pending call-out and heartbeat registration. Intended
// as the final step of driver shutdown, after Stop.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.callouts = make(map[Handle]*calloutEntry)
	s.mu.Unlock()

	s.heartbeatMu.Lock()
	s.heartbeatIDs = make(map[string]struct{})
	s.inFlight = make(map[string]bool)
	s.heartbeatMu.Unlock()
}

func (s *Scheduler) runCallOutLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runDueCallOuts(now)
		}
	}
}

func (s *Scheduler) runDueCallOuts(now time.Time) {
	s.mu.Lock()
	due := make([]*calloutEntry, 0)
	for h, entry := range s.callouts {
		if !entry.due.After(now) {
			due = append(due, entry)
			delete(s.callouts, h)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})

	for _, entry := range due {
		s.invoke(entry)
	}
}

func (s *Scheduler) invoke(entry *calloutEntry) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.With().WithField("handle", entry.handle).Errorf("call-out panicked: %v", r)
		}
	}()
	if entry.cancelled {
		return
	}
	entry.fn()
}

func (s *Scheduler) runHeartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireHeartbeats()
		}
	}
}

func (s *Scheduler) fireHeartbeats() {
	if s.heartbeatFn == nil {
		return
	}

	s.heartbeatMu.Lock()
	ids := make([]string, 0, len(s.heartbeatIDs))
	for id := range s.heartbeatIDs {
		if s.inFlight[id] {
			continue // previous heartbeat for this instance hasn't completed; skip this tick
		}
		ids = append(ids, id)
		s.inFlight[id] = true
	}
	s.heartbeatMu.Unlock()

	for _, id := range ids {
		s.fireOne(id)
		s.heartbeatMu.Lock()
		delete(s.inFlight, id)
		s.heartbeatMu.Unlock()
	}
}

func (s *Scheduler) fireOne(id string) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.With().WithField("instance", id).Errorf("heartbeat panicked: %v", r)
		}
	}()
	if err := s.heartbeatFn(id); err != nil && s.log != nil {
		s.log.With().WithField("instance", id).WithError(err).Warn("heartbeat failed")
	}
}

// PendingCallOuts reports the number of call-outs not yet fired (used by
// ops metrics and tests).
func (s *Scheduler) PendingCallOuts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callouts)
}

// HeartbeatCount reports the number of instances currently subscribed.
func (s *Scheduler) HeartbeatCount() int {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()
	return len(s.heartbeatIDs)
}
