package threadsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"classifieds-sync/auth"
	"classifieds-sync/events"
	"classifieds-sync/pkg/classifieds"
	"classifieds-sync/storage"
)

// LoadOnce runs one sync cycle: resolve the session, fetch the thread page,
// resolve every thread concurrently and apply the result set together with
// the cache. On any error the previous result set stays in place.
func (e *Engine) LoadOnce(ctx context.Context) error {
	e.mu.RLock()
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		return ErrStopped
	}

	cycle := e.seq.Add(1)
	start := time.Now()

	creds, err := e.session.Resolve(ctx)
	if err != nil {
		e.cfg.Metrics.Cycles.WithLabelValues(resultNoToken).Inc()
		e.logger.Debug("Skipping sync cycle without session", "cycle", cycle, "error", err)
		return err
	}

	threads, err := e.api.Threads(ctx, creds.Token, e.cfg.PerPage)
	if err != nil {
		e.cfg.Metrics.Cycles.WithLabelValues(resultFetchError).Inc()
		return fmt.Errorf("cycle %d: %w", cycle, err)
	}

	summaries := []classifieds.ThreadSummary{}
	if len(threads) > 0 {
		summaries, err = e.resolveAll(ctx, creds, threads)
		if err != nil {
			e.cfg.Metrics.Cycles.WithLabelValues(resultFetchError).Inc()
			return fmt.Errorf("cycle %d: %w", cycle, err)
		}
	}
	contacts := liveContacts(summaries)

	applied, err := e.commit(ctx, cycle, creds.UserID, summaries, contacts)
	e.cfg.Metrics.CycleSeconds.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		e.cfg.Metrics.Cycles.WithLabelValues(resultCacheError).Inc()
		return fmt.Errorf("cycle %d: %w", cycle, err)
	case !applied:
		e.cfg.Metrics.Cycles.WithLabelValues(resultStale).Inc()
		return nil
	case len(summaries) == 0:
		e.cfg.Metrics.Cycles.WithLabelValues(resultEmpty).Inc()
	default:
		e.cfg.Metrics.Cycles.WithLabelValues(resultOK).Inc()
	}

	e.logger.Info("Sync cycle applied",
		"cycle", cycle,
		"user_id", creds.UserID,
		"threads", len(summaries),
		"contacts", len(contacts),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// resolveAll resolves every thread of the page, at most Concurrency at a
// time, preserving page order.
func (e *Engine) resolveAll(ctx context.Context, creds auth.Credentials, threads []classifieds.Thread) ([]classifieds.ThreadSummary, error) {
	r := &resolver{
		engine: e,
		creds:  creds,
		me:     classifieds.ID(creds.UserID),
		now:    e.cfg.Now(),
		users:  newMemo[classifieds.User](),
		posts:  newMemo[classifieds.Post](),
	}

	out := make([]classifieds.ThreadSummary, len(threads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i := range threads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = r.summarize(gctx, &threads[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dedupe(out), nil
}

// commit applies a cycle's result unless a newer cycle was applied already
// or the engine was stopped. The cache is written first; memory is swapped
// only when that write succeeded, so the two never diverge. Subscribers,
// the unread hook and the sync event run after commitMu is released.
func (e *Engine) commit(ctx context.Context, cycle uint64, userID string, threads []classifieds.ThreadSummary, contacts []classifieds.Contact) (bool, error) {
	e.commitMu.Lock()

	e.mu.RLock()
	latest := e.applied
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		e.commitMu.Unlock()
		return false, nil
	}
	if cycle < latest {
		e.commitMu.Unlock()
		e.logger.Info("Discarding stale sync cycle", "cycle", cycle, "applied", latest)
		return false, nil
	}

	if err := e.cache.SaveAll(ctx,
		storage.Entry{Key: storage.UserKey(ThreadsKeyPrefix, userID), Value: threads},
		storage.Entry{Key: storage.UserKey(ContactsKeyPrefix, userID), Value: contacts},
	); err != nil {
		e.commitMu.Unlock()
		return false, fmt.Errorf("persist thread list: %w", err)
	}

	e.mu.Lock()
	previous := make(map[classifieds.ID]int, len(e.threads))
	for _, s := range e.threads {
		previous[s.ID] = s.Unread
	}
	hadBaseline := e.baseline
	e.threads = threads
	e.contacts = contacts
	e.applied = cycle
	e.lastSynced = e.cfg.Now()
	e.baseline = true
	e.mu.Unlock()
	e.commitMu.Unlock()

	e.cfg.Metrics.Threads.Set(float64(len(threads)))
	e.notify()

	var increased []classifieds.ThreadSummary
	unread := 0
	for _, s := range threads {
		unread += s.Unread
		if hadBaseline && s.Unread > previous[s.ID] {
			increased = append(increased, s)
		}
	}
	if len(increased) > 0 && e.cfg.OnUnread != nil {
		e.cfg.OnUnread(ctx, userID, increased)
	}
	if err := e.cfg.Events.Publish(ctx, events.SubjectThreadsSynced, events.ThreadsSynced{
		UserID:  userID,
		Cycle:   cycle,
		Threads: len(threads),
		Unread:  unread,
		At:      e.cfg.Now(),
	}); err != nil {
		e.logger.Warn("Failed to publish sync event", "error", err)
	}
	return true, nil
}

// resolver holds per-cycle state shared by the thread resolutions.
type resolver struct {
	engine *Engine
	creds  auth.Credentials
	me     classifieds.ID
	now    time.Time
	users  *memo[classifieds.User]
	posts  *memo[classifieds.Post]
}

// summarize builds the display row of one thread. Lookups that fail fall
// back to what the thread already carries.
func (r *resolver) summarize(ctx context.Context, t *classifieds.Thread) classifieds.ThreadSummary {
	cfg := r.engine.cfg
	other := OtherParty(t, r.me)
	user := r.otherUser(ctx, t, other)

	title := user.DisplayName()
	if title == "" {
		title = firstNonEmpty(postTitle(t.Post), t.Subject)
	}
	model := firstNonEmpty(t.Subject, postTitle(t.Post))

	var text string
	var updated time.Time
	if lm := t.LatestMessage; lm != nil {
		text = classifieds.PlainText(lm.Body)
		updated = classifieds.ParseTime(lm.CreatedAt)
	}
	if updated.IsZero() {
		updated = classifieds.ParseTime(t.UpdatedAt)
	}

	avatar := cfg.DefaultAvatar
	if user != nil && !isPlaceholder(user.PhotoURL, cfg.DefaultImage) {
		avatar = user.PhotoURL
	}

	unread := r.unread(ctx, t)
	return classifieds.ThreadSummary{
		ID:            t.ID,
		Title:         title,
		Image:         r.image(ctx, t, user),
		Image2:        avatar,
		Text:          text,
		Time:          classifieds.RelativeTime(updated, r.now),
		ChatCount:     classifieds.FormatUnread(unread),
		Model:         model,
		OtherID:       other,
		Unread:        unread,
		UpdatedAt:     updated,
		SearchTitle:   strings.ToLower(title),
		SearchSubject: strings.ToLower(model),
		SearchText:    strings.ToLower(text),
	}
}

// otherUser prefers participant data embedded in the thread and only then
// asks the API.
func (r *resolver) otherUser(ctx context.Context, t *classifieds.Thread, id classifieds.ID) *classifieds.User {
	if id == "" {
		return nil
	}
	if p, ok := t.Participant(id); ok && p.DisplayName() != "" {
		u := p.User
		return &u
	}
	if t.Creator != nil && t.Creator.ID == id && t.Creator.DisplayName() != "" {
		return t.Creator
	}
	u, err := r.users.get(id, func() (*classifieds.User, error) {
		return r.engine.api.User(ctx, r.creds.Token, id)
	})
	if err != nil {
		r.engine.logger.Debug("User lookup failed", "user_id", id.String(), "thread_id", t.ID.String(), "error", err)
		return nil
	}
	return u
}

// image resolves the thread picture: the embedded listing image, else the
// listing fetched by id, else the counterpart's avatar, else the default.
func (r *resolver) image(ctx context.Context, t *classifieds.Thread, user *classifieds.User) string {
	cfg := r.engine.cfg
	if img := t.Post.ImageURL(); !isPlaceholder(img, cfg.DefaultImage) {
		return img
	}

	postID := t.PostID
	if postID == "" && t.Post != nil {
		postID = t.Post.ID
	}
	if postID != "" {
		p, err := r.posts.get(postID, func() (*classifieds.Post, error) {
			return r.engine.api.Post(ctx, r.creds.Token, postID)
		})
		if err != nil {
			r.engine.logger.Debug("Post lookup failed", "post_id", postID.String(), "thread_id", t.ID.String(), "error", err)
		} else if img := p.ImageURL(); !isPlaceholder(img, cfg.DefaultImage) {
			return img
		}
	}

	if user != nil && !isPlaceholder(user.PhotoURL, cfg.DefaultImage) {
		return user.PhotoURL
	}
	return cfg.DefaultImage
}

// unread takes the API counter, else the unread flag. Counts of 0 or 1 are
// recounted from the messages newer than the viewer's last-read marker when
// reconciliation is enabled.
func (r *resolver) unread(ctx context.Context, t *classifieds.Thread) int {
	n := 0
	switch {
	case t.NewMessages != nil:
		n = max(*t.NewMessages, 0)
	case t.IsUnread != nil && *t.IsUnread:
		n = 1
	}
	if n > 1 || !r.engine.cfg.ReconcileUnread || r.me == "" {
		return n
	}

	lastRead := r.lastRead(ctx, t)
	since := classifieds.ParseTime(lastRead)
	if since.IsZero() {
		return n
	}

	msgs, err := r.engine.api.ThreadMessages(ctx, r.creds.Token, t.ID)
	if err != nil {
		r.engine.logger.Debug("Unread reconciliation failed", "thread_id", t.ID.String(), "error", err)
		return n
	}
	count := 0
	for _, m := range msgs {
		if m.UserID == r.me {
			continue
		}
		if classifieds.ParseTime(m.CreatedAt).After(since) {
			count++
		}
	}
	return count
}

// lastRead finds the viewer's last-read marker: embedded recipient data
// first, then embedded participants, then the thread detail.
func (r *resolver) lastRead(ctx context.Context, t *classifieds.Thread) string {
	if lm := t.LatestMessage; lm != nil && lm.Recipient != nil && lm.Recipient.UserID == r.me && lm.Recipient.LastRead != "" {
		return lm.Recipient.LastRead
	}
	if p, ok := t.Participant(r.me); ok && p.LastRead != "" {
		return p.LastRead
	}
	detail, err := r.engine.api.Thread(ctx, r.creds.Token, t.ID)
	if err != nil {
		r.engine.logger.Debug("Thread detail lookup failed", "thread_id", t.ID.String(), "error", err)
		return ""
	}
	if p, ok := detail.Participant(r.me); ok {
		return p.LastRead
	}
	return ""
}

func postTitle(p *classifieds.Post) string {
	if p == nil {
		return ""
	}
	return p.Title
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
