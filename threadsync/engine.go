// Package threadsync keeps the viewer's chat thread list in sync with the
// marketplace API and a local cache.
package threadsync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"classifieds-sync/auth"
	"classifieds-sync/events"
	"classifieds-sync/pkg/classifieds"
	"classifieds-sync/storage"
)

// ErrStopped is returned by cycles requested after Stop.
var ErrStopped = errors.New("thread sync stopped")

// Cache key prefixes, scoped per user with storage.UserKey.
const (
	ThreadsKeyPrefix  = "threads"
	ContactsKeyPrefix = "live_contacts"
)

// API is the subset of the marketplace client the engine needs.
type API interface {
	Threads(ctx context.Context, token string, perPage int) ([]classifieds.Thread, error)
	Thread(ctx context.Context, token string, id classifieds.ID) (*classifieds.Thread, error)
	ThreadMessages(ctx context.Context, token string, id classifieds.ID) ([]classifieds.Message, error)
	User(ctx context.Context, token string, id classifieds.ID) (*classifieds.User, error)
	Post(ctx context.Context, token string, id classifieds.ID) (*classifieds.Post, error)
}

// Session resolves credentials at the start of each cycle.
type Session interface {
	Resolve(ctx context.Context) (auth.Credentials, error)
}

// Cache persists the last applied result set.
type Cache interface {
	Load(ctx context.Context, key string, v any) (time.Time, error)
	SaveAll(ctx context.Context, entries ...storage.Entry) error
}

// UnreadFunc receives the threads whose unread count went up in a cycle.
type UnreadFunc func(ctx context.Context, userID string, threads []classifieds.ThreadSummary)

// Config configures an Engine.
type Config struct {
	PollInterval    time.Duration
	PerPage         int
	Concurrency     int  // Per-thread resolutions in flight
	ReconcileUnread bool // Recount unread messages when the API counter is 0 or 1
	DefaultImage    string
	DefaultAvatar   string

	Events   events.Publisher
	Metrics  *Metrics
	OnUnread UnreadFunc
	Now      func() time.Time
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 6 * time.Second
	}
	if c.PerPage <= 0 {
		c.PerPage = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Events == nil {
		c.Events = events.Nop{}
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Snapshot is the engine state handed to readers.
type Snapshot struct {
	Threads    []classifieds.ThreadSummary `json:"threads"`
	Visible    []classifieds.ThreadSummary `json:"visible"`
	Contacts   []classifieds.Contact       `json:"contacts"`
	Query      string                      `json:"query"`
	Syncing    bool                        `json:"syncing"`
	Refreshing bool                        `json:"refreshing"`
	LastSynced time.Time                   `json:"last_synced"`
	Cycle      uint64                      `json:"cycle"`
}

// Engine synchronizes the thread list. Start runs the poll loop; Refresh
// and LoadOnce run single cycles.
type Engine struct {
	cfg     Config
	api     API
	session Session
	cache   Cache
	logger  *slog.Logger

	seq      atomic.Uint64
	commitMu sync.Mutex // Serializes the guard check, cache write and swap

	mu         sync.RWMutex
	threads    []classifieds.ThreadSummary
	contacts   []classifieds.Contact
	query      string
	syncing    bool
	refreshing bool
	lastSynced time.Time
	applied    uint64
	baseline   bool
	stopped    bool
	cancel     context.CancelFunc
	done       chan struct{}
	subs       map[int]func(Snapshot)
	nextSub    int
}

// New creates an engine.
func New(cfg Config, api API, session Session, cache Cache, logger *slog.Logger) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:      cfg,
		api:      api,
		session:  session,
		cache:    cache,
		logger:   logger,
		threads:  []classifieds.ThreadSummary{},
		contacts: []classifieds.Contact{},
		subs:     make(map[int]func(Snapshot)),
	}
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics {
	return e.cfg.Metrics
}

// Start loads the cache for instant paint, runs one foreground cycle and
// then polls every PollInterval until ctx ends or Stop is called. It
// returns immediately.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil || e.stopped {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	e.Bootstrap(ctx)

	e.setSyncing(true)
	if err := e.LoadOnce(ctx); err != nil {
		e.logger.Warn("Initial sync failed", "error", err)
	}
	e.setSyncing(false)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.logger.Info("Thread polling started", "interval", e.cfg.PollInterval.String())
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Thread polling stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if err := e.LoadOnce(ctx); err != nil && !errors.Is(err, ErrStopped) {
				// Keep showing the previous result set
				e.logger.Warn("Background sync failed", "error", err)
			}
		}
	}
}

// Stop cancels polling and waits for the loop to exit. Cycles still in
// flight are not applied.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Refresh runs one user-initiated cycle. It does not reset the poll timer.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	e.refreshing = true
	e.mu.Unlock()
	e.notify()

	err := e.LoadOnce(ctx)

	e.mu.Lock()
	e.refreshing = false
	e.mu.Unlock()
	e.notify()
	return err
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()
	e.notify()
}

// Bootstrap shows the cached result set of the current user, if any and if
// no cycle has been applied yet.
func (e *Engine) Bootstrap(ctx context.Context) {
	creds, err := e.session.Resolve(ctx)
	if err != nil {
		e.logger.Debug("No session for cache bootstrap", "error", err)
		return
	}

	var threads []classifieds.ThreadSummary
	if _, err := e.cache.Load(ctx, storage.UserKey(ThreadsKeyPrefix, creds.UserID), &threads); err != nil {
		if !storage.IsNotFound(err) {
			e.logger.Warn("Thread cache unreadable, ignoring", "error", err)
		}
		return
	}
	var contacts []classifieds.Contact
	if _, err := e.cache.Load(ctx, storage.UserKey(ContactsKeyPrefix, creds.UserID), &contacts); err != nil {
		contacts = liveContacts(threads)
	}

	now := e.cfg.Now()
	for i := range threads {
		threads[i].Time = classifieds.RelativeTime(threads[i].UpdatedAt, now)
	}

	e.mu.Lock()
	if e.applied > 0 {
		e.mu.Unlock()
		return
	}
	e.threads = threads
	e.contacts = contacts
	e.baseline = true
	e.mu.Unlock()

	e.logger.Info("Thread list restored from cache", "user_id", creds.UserID, "threads", len(threads))
	e.notify()
}

// Search returns the held threads matching query without changing state.
func (e *Engine) Search(query string) []classifieds.ThreadSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Filter(e.threads, query)
}

// SetQuery sets the active search and returns the visible threads.
func (e *Engine) SetQuery(query string) []classifieds.ThreadSummary {
	e.mu.Lock()
	e.query = query
	visible := Filter(e.threads, query)
	e.mu.Unlock()
	e.notify()
	return visible
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Threads:    append([]classifieds.ThreadSummary{}, e.threads...),
		Visible:    Filter(e.threads, e.query),
		Contacts:   append([]classifieds.Contact{}, e.contacts...),
		Query:      e.query,
		Syncing:    e.syncing,
		Refreshing: e.refreshing,
		LastSynced: e.lastSynced,
		Cycle:      e.applied,
	}
}

// Subscribe registers fn for every state change. The returned function
// unregisters it.
func (e *Engine) Subscribe(fn func(Snapshot)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) notify() {
	e.mu.RLock()
	if e.stopped || len(e.subs) == 0 {
		e.mu.RUnlock()
		return
	}
	snap := e.snapshotLocked()
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, e.subs[id])
	}
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(snap)
	}
}
