// Package broker implements the session/port allocation engine.
//
// The Engine owns a fixed pool of backend ports and the registry binding
// opaque session tokens to them. All state transitions happen under a single
// mutex; backend lifecycle calls (Backend.Start / Backend.Stop) are made after
// the mutex is released so a slow backend never blocks other callers.
// Backend calls for the same port run one at a time, in the order their state
// changes committed: a reused port is started only after the previous
// session's backend stopped.
package broker

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Backend starts and stops the service bound to an allocated port.
type Backend interface {
	Start(ctx context.Context, port int) error
	Stop(ctx context.Context, port int) error
}

// NopBackend is a Backend that does nothing. Used when no backend command is configured.
type NopBackend struct{}

func (NopBackend) Start(context.Context, int) error { return nil }
func (NopBackend) Stop(context.Context, int) error  { return nil }

// Session binds a client token to one port of the pool.
type Session struct {
	Token     string
	Port      int
	CreatedAt time.Time
	ExpiresAt time.Time // zero when sessions do not expire
}

func (s Session) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SlotStatus is a point-in-time view of one pool slot. It never carries the token.
type SlotStatus struct {
	Port      int       `json:"port"`
	Available bool      `json:"available"`
	Since     time.Time `json:"since"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Stats summarizes pool occupancy.
type Stats struct {
	Size  int `json:"size"`
	InUse int `json:"in_use"`
}

// ReleaseReason tells hooks why a session ended.
type ReleaseReason string

const (
	ReleaseExplicit ReleaseReason = "explicit"
	ReleaseExpired  ReleaseReason = "expired"
	ReleaseShutdown ReleaseReason = "shutdown"
)

// Hooks are invoked outside the engine lock once the backend call for the
// change returned. OnAcquire fires only once the backend started successfully;
// OnRelease fires after Backend.Stop. Hooks of different sessions on the same
// port may be delivered out of order; consumers that need the current state
// read it from the Engine.
type Hooks struct {
	OnAcquire func(Session)
	OnRelease func(Session, ReleaseReason)
}

// Options configures an Engine.
type Options struct {
	PoolStart  int           // first port of the pool
	PoolSize   int           // number of contiguous ports
	SessionTTL time.Duration // 0 disables expiry
	Backend    Backend       // defaults to NopBackend
	Hooks      Hooks
}

type slot struct {
	port      int
	available bool
	since     time.Time
	lastCall  chan struct{} // closed when the latest backend call on port returned; nil if none yet
}

// Engine is the allocation engine. It is safe for concurrent use.
type Engine struct {
	log     *zap.Logger
	backend Backend
	hooks   Hooks
	ttl     time.Duration

	now      func() time.Time
	newToken func() string

	mu       sync.Mutex
	start    int
	slots    []slot              // index = port - start
	free     freePorts           // min-heap of available ports
	sessions map[string]*Session // token -> session
	expiry   *expiryQueue
}

// New builds an Engine with every slot available.
func New(log *zap.Logger, opts Options) (*Engine, error) {
	if opts.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", opts.PoolSize)
	}
	if opts.PoolStart <= 0 || opts.PoolStart+opts.PoolSize-1 > 65535 {
		return nil, fmt.Errorf("port range %d..%d out of bounds", opts.PoolStart, opts.PoolStart+opts.PoolSize-1)
	}
	if opts.SessionTTL < 0 {
		return nil, fmt.Errorf("session ttl must not be negative, got %s", opts.SessionTTL)
	}
	if opts.Backend == nil {
		opts.Backend = NopBackend{}
	}

	e := &Engine{
		log:      log.Named("broker"),
		backend:  opts.Backend,
		hooks:    opts.Hooks,
		ttl:      opts.SessionTTL,
		now:      time.Now,
		newToken: uuid.NewString,
		start:    opts.PoolStart,
		slots:    make([]slot, opts.PoolSize),
		free:     make(freePorts, 0, opts.PoolSize),
		sessions: make(map[string]*Session, opts.PoolSize),
		expiry:   newExpiryQueue(),
	}

	now := e.now()
	for i := range e.slots {
		port := opts.PoolStart + i
		e.slots[i] = slot{port: port, available: true, since: now}
		e.free = append(e.free, port) // ascending order is already a valid heap
	}

	return e, nil
}

// Acquire reserves the lowest free port for a new session and starts its backend.
//
// The slot is reserved before the backend is started, so concurrent callers
// never receive the same port. If the backend fails to start the reservation
// is rolled back and the error is returned wrapped.
func (e *Engine) Acquire(ctx context.Context) (Session, error) {
	e.mu.Lock()
	if e.free.Len() == 0 {
		e.mu.Unlock()
		return Session{}, ErrNoSlotsAvailable
	}

	port := heap.Pop(&e.free).(int)
	now := e.now()
	s := &Session{
		Token:     e.newToken(),
		Port:      port,
		CreatedAt: now,
	}
	if e.ttl > 0 {
		s.ExpiresAt = now.Add(e.ttl)
		e.expiry.push(s.Token, s.ExpiresAt)
	}
	e.sessions[s.Token] = s
	e.markLocked(port, false, now)
	call := e.nextCallLocked(port)
	out := *s
	e.mu.Unlock()

	err := call.wait(ctx)
	if err == nil {
		err = e.backend.Start(ctx, port)
	}
	call.finish()

	if err != nil {
		e.rollback(out)
		e.log.Warn("backend start failed, reservation rolled back", zap.Int("port", port), zap.Error(err))
		return Session{}, fmt.Errorf("start backend on port %d: %w", port, err)
	}

	e.log.Debug("session acquired", zap.Int("port", port))
	if e.hooks.OnAcquire != nil {
		e.hooks.OnAcquire(out)
	}
	return out, nil
}

// rollback undoes a reservation whose backend never came up.
// It is a no-op if the session was already taken down concurrently (shutdown, reaper).
func (e *Engine) rollback(s Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sessions[s.Token]; !ok {
		return
	}
	e.removeLocked(s)
}

// Lookup returns the session registered under token.
func (e *Engine) Lookup(token string) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[token]
	if !ok || s.expired(e.now()) {
		return Session{}, ErrUnknownSession
	}
	return *s, nil
}

// Release ends the session, frees its port and stops its backend.
// The port can be acquired again before Backend.Stop runs; the next session's
// Backend.Start waits for that stop. A stop failure is returned wrapped but
// does not resurrect the session.
func (e *Engine) Release(ctx context.Context, token string) error {
	e.mu.Lock()
	s, ok := e.sessions[token]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownSession
	}
	r := e.releaseLocked(*s)
	e.mu.Unlock()

	return e.stop(ctx, r, ReleaseExplicit)
}

// ReapExpired ends every session whose lifetime elapsed at now and stops
// their backends concurrently. It returns the sessions that were released.
func (e *Engine) ReapExpired(ctx context.Context, now time.Time) ([]Session, error) {
	e.mu.Lock()
	var due []release
	for _, token := range e.expiry.popDue(now) {
		s, ok := e.sessions[token]
		if !ok {
			continue
		}
		due = append(due, e.releaseLocked(*s))
	}
	e.mu.Unlock()

	out := make([]Session, len(due))
	for i, r := range due {
		out[i] = r.session
	}
	return out, e.stopAll(ctx, due, ReleaseExpired)
}

// NextExpiry reports the soonest session deadline.
func (e *Engine) NextExpiry() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expiry.next()
}

// Shutdown releases every live session and stops all backends concurrently.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	sessions := make([]Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, *s)
	}
	live := make([]release, len(sessions))
	for i, s := range sessions {
		live[i] = e.releaseLocked(s)
	}
	e.mu.Unlock()

	e.log.Info("shutting down sessions", zap.Int("count", len(live)))
	return e.stopAll(ctx, live, ReleaseShutdown)
}

// Snapshot returns the state of every slot in pool order.
func (e *Engine) Snapshot() []SlotStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	byPort := make(map[int]*Session, len(e.sessions))
	for _, s := range e.sessions {
		byPort[s.Port] = s
	}

	out := make([]SlotStatus, len(e.slots))
	for i, sl := range e.slots {
		out[i] = SlotStatus{Port: sl.port, Available: sl.available, Since: sl.since}
		if s, ok := byPort[sl.port]; ok {
			out[i].ExpiresAt = s.ExpiresAt
		}
	}
	return out
}

// Slot returns the current state of port. It reports false for ports outside the pool.
func (e *Engine) Slot(port int) (SlotStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := port - e.start
	if i < 0 || i >= len(e.slots) {
		return SlotStatus{}, false
	}
	sl := e.slots[i]
	st := SlotStatus{Port: sl.port, Available: sl.available, Since: sl.since}
	for _, s := range e.sessions {
		if s.Port == port {
			st.ExpiresAt = s.ExpiresAt
			break
		}
	}
	return st, true
}

// Stats returns pool size and the number of live sessions.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Size: len(e.slots), InUse: len(e.sessions)}
}

// Ports returns every port of the pool in ascending order.
func (e *Engine) Ports() []int {
	ports := make([]int, len(e.slots))
	for i := range ports {
		ports[i] = e.start + i
	}
	return ports
}

// removeLocked drops the session and returns its port to the free heap.
func (e *Engine) removeLocked(s Session) {
	delete(e.sessions, s.Token)
	e.expiry.remove(s.Token)
	e.markLocked(s.Port, true, e.now())
	heap.Push(&e.free, s.Port)
}

func (e *Engine) markLocked(port int, available bool, now time.Time) {
	sl := &e.slots[port-e.start]
	sl.available = available
	sl.since = now
}

// release is a session taken out of the registry whose backend still has to stop.
type release struct {
	session Session
	call    backendCall
}

// releaseLocked removes s and queues its Backend.Stop behind earlier calls on the port.
func (e *Engine) releaseLocked(s Session) release {
	e.removeLocked(s)
	return release{session: s, call: e.nextCallLocked(s.Port)}
}

func (e *Engine) stop(ctx context.Context, r release, reason ReleaseReason) error {
	s := r.session
	log := e.log.With(zap.Int("port", s.Port), zap.String("reason", string(reason)))

	if err := r.call.wait(ctx); err != nil {
		// Out of time waiting for the port. The stop still has to happen, or
		// the backend outlives its session.
		go func() {
			<-r.call.prev
			if err := e.backend.Stop(context.WithoutCancel(ctx), s.Port); err != nil {
				log.Warn("deferred backend stop failed", zap.Error(err))
			}
			close(r.call.done)
		}()
		e.released(s, reason)
		return fmt.Errorf("stop backend on port %d: %w", s.Port, err)
	}

	err := e.backend.Stop(ctx, s.Port)
	r.call.finish()

	log.Debug("session released")
	e.released(s, reason)
	if err != nil {
		return fmt.Errorf("stop backend on port %d: %w", s.Port, err)
	}
	return nil
}

func (e *Engine) released(s Session, reason ReleaseReason) {
	if e.hooks.OnRelease != nil {
		e.hooks.OnRelease(s, reason)
	}
}

func (e *Engine) stopAll(ctx context.Context, releases []release, reason ReleaseReason) error {
	// No shared cancellation: one failing stop must not abort the others.
	var g errgroup.Group
	for _, r := range releases {
		g.Go(func() error { return e.stop(ctx, r, reason) })
	}
	return g.Wait()
}

// backendCall is one Backend.Start or Backend.Stop on a port. It may begin
// only after prev is closed and must close done when it returns.
type backendCall struct {
	prev <-chan struct{} // nil when the port never had a call
	done chan struct{}
}

// nextCallLocked queues a backend call on port behind the previous one.
func (e *Engine) nextCallLocked(port int) backendCall {
	sl := &e.slots[port-e.start]
	c := backendCall{prev: sl.lastCall, done: make(chan struct{})}
	sl.lastCall = c.done
	return c
}

// wait blocks until the previous call on the port returned.
func (c backendCall) wait(ctx context.Context) error {
	if c.prev == nil {
		return nil
	}
	select {
	case <-c.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish lets the next call on the port proceed, never ahead of prev.
func (c backendCall) finish() {
	if c.prev == nil {
		close(c.done)
		return
	}
	select {
	case <-c.prev:
		close(c.done)
	default:
		go func() {
			<-c.prev
			close(c.done)
		}()
	}
}
