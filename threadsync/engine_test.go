package threadsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classifieds-sync/auth"
	"classifieds-sync/events"
	"classifieds-sync/pkg/classifieds"
	"classifieds-sync/storage"
)

const me = classifieds.ID("1")

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAPI struct {
	mu        sync.Mutex
	threads   []classifieds.Thread
	threadErr error
	details   map[classifieds.ID]*classifieds.Thread
	messages  map[classifieds.ID][]classifieds.Message
	users     map[classifieds.ID]*classifieds.User
	posts     map[classifieds.ID]*classifieds.Post
	calls     map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		details:  make(map[classifieds.ID]*classifieds.Thread),
		messages: make(map[classifieds.ID][]classifieds.Message),
		users:    make(map[classifieds.ID]*classifieds.User),
		posts:    make(map[classifieds.ID]*classifieds.Post),
		calls:    make(map[string]int),
	}
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) setThreads(ts []classifieds.Thread) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads = ts
}

func (f *fakeAPI) Threads(ctx context.Context, token string, perPage int) ([]classifieds.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["threads"]++
	return append([]classifieds.Thread(nil), f.threads...), f.threadErr
}

func (f *fakeAPI) Thread(ctx context.Context, token string, id classifieds.ID) (*classifieds.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["thread"]++
	if t, ok := f.details[id]; ok {
		return t, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeAPI) ThreadMessages(ctx context.Context, token string, id classifieds.ID) ([]classifieds.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["messages"]++
	return f.messages[id], nil
}

func (f *fakeAPI) User(ctx context.Context, token string, id classifieds.ID) (*classifieds.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["user"]++
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeAPI) Post(ctx context.Context, token string, id classifieds.ID) (*classifieds.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["post"]++
	if p, ok := f.posts[id]; ok {
		return p, nil
	}
	return nil, errors.New("not found")
}

type fakeSession struct {
	mu    sync.Mutex
	creds auth.Credentials
	err   error
}

func (s *fakeSession) Resolve(context.Context) (auth.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, s.err
}

func loggedIn() *fakeSession {
	return &fakeSession{creds: auth.Credentials{Token: "tok", UserID: me.String()}}
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	backend, err := storage.NewLocal(t.TempDir(), discard())
	require.NoError(t, err)
	return storage.New(backend, discard())
}

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		PerPage:         50,
		Concurrency:     4,
		ReconcileUnread: true,
		DefaultImage:    "https://cdn.example/default-image.png",
		DefaultAvatar:   "https://cdn.example/avatar.png",
		Now:             func() time.Time { return testNow },
	}
}

func intp(n int) *int    { return &n }
func boolp(b bool) *bool { return &b }

func thread(id, subject string, other classifieds.ID, name string) classifieds.Thread {
	return classifieds.Thread{
		ID:          classifieds.ID(id),
		Subject:     subject,
		Creator:     &classifieds.User{ID: other, Name: name},
		NewMessages: intp(2),
		LatestMessage: &classifieds.Message{
			Body:      "hello <b>there</b>",
			CreatedAt: "2025-06-15 11:30:00",
			Recipient: &classifieds.Recipient{UserID: me},
		},
	}
}

func TestOtherParty(t *testing.T) {
	tests := []struct {
		name   string
		thread classifieds.Thread
		want   classifieds.ID
	}{
		{
			name: "recipient is me so creator",
			thread: classifieds.Thread{
				Creator:       &classifieds.User{ID: "42"},
				LatestMessage: &classifieds.Message{Recipient: &classifieds.Recipient{UserID: me}},
			},
			want: "42",
		},
		{
			name: "recipient wins regardless of creator",
			thread: classifieds.Thread{
				Creator:       &classifieds.User{ID: "42"},
				LatestMessage: &classifieds.Message{Recipient: &classifieds.Recipient{UserID: "7"}},
			},
			want: "7",
		},
		{
			name:   "no recipient falls back to creator",
			thread: classifieds.Thread{Creator: &classifieds.User{ID: "42"}},
			want:   "42",
		},
		{
			name:   "no recipient and I am creator",
			thread: classifieds.Thread{Creator: &classifieds.User{ID: me}},
			want:   "",
		},
		{
			name:   "nothing known",
			thread: classifieds.Thread{},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OtherParty(&tt.thread, me))
		})
	}
}

func TestLoadOnceBuildsSummaries(t *testing.T) {
	api := newFakeAPI()
	th := thread("10", "Road bike", "42", "Ana")
	th.NewMessages = intp(150)
	th.Post = &classifieds.Post{ID: "5", Picture: &classifieds.Picture{URL: classifieds.PictureURL{Medium: "https://cdn.example/bike-m.jpg"}}}
	api.setThreads([]classifieds.Thread{th})

	e := New(testConfig(), api, loggedIn(), newStore(t), discard())
	require.NoError(t, e.LoadOnce(context.Background()))

	snap := e.Snapshot()
	require.Len(t, snap.Threads, 1)
	s := snap.Threads[0]
	assert.Equal(t, "Ana", s.Title)
	assert.Equal(t, "Road bike", s.Model)
	assert.Equal(t, "hello there", s.Text)
	assert.Equal(t, "30m", s.Time)
	assert.Equal(t, "99+", s.ChatCount)
	assert.Equal(t, "https://cdn.example/bike-m.jpg", s.Image)
	assert.Equal(t, "https://cdn.example/avatar.png", s.Image2)
	assert.Equal(t, "road bike", s.SearchSubject)
	assert.Equal(t, 0, api.count("user"), "embedded creator used")
	assert.Equal(t, uint64(1), snap.Cycle)
}

func TestImageFallbacks(t *testing.T) {
	api := newFakeAPI()
	api.posts["5"] = &classifieds.Post{ID: "5", PictureURL: "https://cdn.example/listing.jpg"}
	api.users["43"] = &classifieds.User{ID: "43", Name: "Bo", PhotoURL: "https://cdn.example/bo.jpg"}

	placeholder := thread("1", "a", "42", "Ana")
	placeholder.Post = &classifieds.Post{ID: "5", PictureURL: "https://cdn.example/placeholder.png"}

	avatar := thread("2", "b", "43", "")
	avatar.Creator = &classifieds.User{ID: "43"}

	none := thread("3", "c", "44", "Cy")

	api.setThreads([]classifieds.Thread{placeholder, avatar, none})
	e := New(testConfig(), api, loggedIn(), newStore(t), discard())
	require.NoError(t, e.LoadOnce(context.Background()))

	snap := e.Snapshot()
	require.Len(t, snap.Threads, 3)
	assert.Equal(t, "https://cdn.example/listing.jpg", snap.Threads[0].Image, "placeholder upgraded from listing detail")
	assert.Equal(t, "https://cdn.example/bo.jpg", snap.Threads[1].Image, "avatar fallback")
	assert.Equal(t, "https://cdn.example/bo.jpg", snap.Threads[1].Image2)
	assert.Equal(t, "Bo", snap.Threads[1].Title, "user fetched when not embedded")
	assert.Equal(t, "https://cdn.example/default-image.png", snap.Threads[2].Image, "default image")
}

func TestUserLookupsMemoizedPerCycle(t *testing.T) {
	api := newFakeAPI()
	api.users["42"] = &classifieds.User{ID: "42", Name: "Ana"}
	a := thread("1", "a", "42", "")
	a.Creator = &classifieds.User{ID: "42"}
	b := thread("2", "b", "42", "")
	b.Creator = &classifieds.User{ID: "42"}
	api.setThreads([]classifieds.Thread{a, b})

	e := New(testConfig(), api, loggedIn(), newStore(t), discard())
	require.NoError(t, e.LoadOnce(context.Background()))
	assert.Equal(t, 1, api.count("user"))

	require.NoError(t, e.LoadOnce(context.Background()))
	assert.Equal(t, 2, api.count("user"), "memo does not outlive the cycle")
}

func TestUnreadReconciliation(t *testing.T) {
	api := newFakeAPI()
	th := thread("1", "a", "42", "Ana")
	th.NewMessages = nil
	th.IsUnread = boolp(true)
	th.LatestMessage.Recipient.LastRead = "2025-06-15 10:00:00"
	api.messages["1"] = []classifieds.Message{
		{UserID: "42", CreatedAt: "2025-06-15 09:00:00"},
		{UserID: "42", CreatedAt: "2025-06-15 10:05:00"},
		{UserID: me, CreatedAt: "2025-06-15 10:06:00"},
		{UserID: "42", CreatedAt: "2025-06-15 10:07:00"},
		{UserID: "42", CreatedAt: "2025-06-15 11:00:00"},
	}

	detail := thread("2", "b", "43", "Bo")
	detail.NewMessages = intp(0)
	detail.LatestMessage.Recipient = nil
	api.details["2"] = &classifieds.Thread{
		ID:           "2",
		Participants: []classifieds.Participant{{User: classifieds.User{ID: me}, LastRead: "2025-06-15 11:00:00"}},
	}
	api.messages["2"] = []classifieds.Message{{UserID: "43", CreatedAt: "2025-06-15 11:10:00"}}

	api.setThreads([]classifieds.Thread{th, detail})
	e := New(testConfig(), api, loggedIn(), newStore(t), discard())
	require.NoError(t, e.LoadOnce(context.Background()))

	snap := e.Snapshot()
	assert.Equal(t, "3", snap.Threads[0].ChatCount)
	assert.Equal(t, "1", snap.Threads[1].ChatCount, "last read taken from thread detail")
	assert.Equal(t, 1, api.count("thread"))
}

func TestUnreadReconciliationDisabled(t *testing.T) {
	api := newFakeAPI()
	th := thread("1", "a", "42", "Ana")
	th.NewMessages = intp(0)
	th.LatestMessage.Recipient.LastRead = "2025-06-15 10:00:00"
	api.setThreads([]classifieds.Thread{th})

	cfg := testConfig()
	cfg.ReconcileUnread = false
	e := New(cfg, api, loggedIn(), newStore(t), discard())
	require.NoError(t, e.LoadOnce(context.Background()))

	assert.Equal(t, "", e.Snapshot().Threads[0].ChatCount)
	assert.Equal(t, 0, api.count("messages"))
}

func TestAuthoritativeEmptyOverwritesCache(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cached := []classifieds.ThreadSummary{{ID: "1", Title: "Ana"}, {ID: "2", Title: "Bo"}}
	require.NoError(t, store.SaveAll(ctx,
		storage.Entry{Key: storage.UserKey(ThreadsKeyPrefix, me.String()), Value: cached},
		storage.Entry{Key: storage.UserKey(ContactsKeyPrefix, me.String()), Value: []classifieds.Contact{}},
	))

	api := newFakeAPI()
	e := New(testConfig(), api, loggedIn(), store, discard())
	e.Bootstrap(ctx)
	require.Len(t, e.Snapshot().Threads, 2, "instant paint from cache")

	require.NoError(t, e.LoadOnce(ctx))
	assert.Empty(t, e.Snapshot().Threads)

	var persisted []classifieds.ThreadSummary
	_, err := store.Load(ctx, storage.UserKey(ThreadsKeyPrefix, me.String()), &persisted)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestExternalUserIDsPersistAndRestore(t *testing.T) {
	for _, userID := range []string{"auth0|abc123", "ana@example.com"} {
		t.Run(userID, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			api := newFakeAPI()
			a, b := thread("1", "a", "42", "Ana"), thread("2", "b", "43", "Bo")
			a.LatestMessage.Recipient.UserID = classifieds.ID(userID)
			b.LatestMessage.Recipient.UserID = classifieds.ID(userID)
			api.setThreads([]classifieds.Thread{a, b})
			session := &fakeSession{creds: auth.Credentials{Token: "tok", UserID: userID}}

			e := New(testConfig(), api, session, store, discard())
			require.NoError(t, e.LoadOnce(ctx))
			require.Len(t, e.Snapshot().Threads, 2)

			restored := New(testConfig(), newFakeAPI(), session, store, discard())
			restored.Bootstrap(ctx)
			snap := restored.Snapshot()
			require.Len(t, snap.Threads, 2)
			assert.Equal(t, "Ana", snap.Threads[0].Title)
			assert.Len(t, snap.Contacts, 2)
		})
	}
}

func TestSearchFilterRoundTrip(t *testing.T) {
	api := newFakeAPI()
	var ts []classifieds.Thread
	for i := range 10 {
		name := fmt.Sprintf("Seller %d", i)
		if i == 2 || i == 5 || i == 8 {
			name = fmt.Sprintf("Bike shop %d", i)
		}
		ts = append(ts, thread(fmt.Sprint(i+1), "Item", classifieds.ID(fmt.Sprint(100+i)), name))
	}
	api.setThreads(ts)

	e := New(testConfig(), api, loggedIn(), newStore(t), discard())
	require.NoError(t, e.LoadOnce(context.Background()))

	visible := e.SetQuery("  BIKE ")
	require.Len(t, visible, 3)
	assert.Equal(t, []classifieds.ID{"3", "6", "9"}, ids(visible))
	assert.Equal(t, ids(visible), ids(e.Snapshot().Visible))

	all := e.SetQuery("")
	assert.Equal(t, ids(e.Snapshot().Threads), ids(all))
	assert.Len(t, all, 10)
	assert.Len(t, e.Search("shop 5"), 1)
}

func ids(ss []classifieds.ThreadSummary) []classifieds.ID {
	out := make([]classifieds.ID, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}

func TestSequenceGuard(t *testing.T) {
	ctx := context.Background()
	e := New(testConfig(), newFakeAPI(), loggedIn(), newStore(t), discard())

	newer := []classifieds.ThreadSummary{{ID: "new"}}
	older := []classifieds.ThreadSummary{{ID: "old"}}

	applied, err := e.commit(ctx, 4, me.String(), newer, nil)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = e.commit(ctx, 3, me.String(), older, nil)
	require.NoError(t, err)
	assert.False(t, applied)

	snap := e.Snapshot()
	assert.Equal(t, uint64(4), snap.Cycle)
	assert.Equal(t, classifieds.ID("new"), snap.Threads[0].ID)
}

type failingCache struct {
	*storage.Store
	fail bool
}

func (c *failingCache) SaveAll(ctx context.Context, entries ...storage.Entry) error {
	if c.fail {
		return errors.New("disk full")
	}
	return c.Store.SaveAll(ctx, entries...)
}

func TestFailedPersistKeepsMemory(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.setThreads([]classifieds.Thread{thread("1", "a", "42", "Ana")})
	cache := &failingCache{Store: newStore(t)}

	e := New(testConfig(), api, loggedIn(), cache, discard())
	require.NoError(t, e.LoadOnce(ctx))

	api.setThreads([]classifieds.Thread{thread("1", "a", "42", "Ana"), thread("2", "b", "43", "Bo")})
	cache.fail = true
	require.Error(t, e.LoadOnce(ctx))

	snap := e.Snapshot()
	assert.Len(t, snap.Threads, 1)
	assert.Equal(t, uint64(1), snap.Cycle)
}

func TestFetchFailureKeepsPreviousData(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.setThreads([]classifieds.Thread{thread("1", "a", "42", "Ana")})
	e := New(testConfig(), api, loggedIn(), newStore(t), discard())
	require.NoError(t, e.LoadOnce(ctx))

	api.mu.Lock()
	api.threadErr = errors.New("timeout")
	api.mu.Unlock()
	require.Error(t, e.Refresh(ctx))
	assert.Len(t, e.Snapshot().Threads, 1)
	assert.False(t, e.Snapshot().Refreshing)
}

func TestNoTokenSkipsCycle(t *testing.T) {
	api := newFakeAPI()
	session := &fakeSession{err: auth.ErrNoToken}
	e := New(testConfig(), api, session, newStore(t), discard())

	err := e.LoadOnce(context.Background())
	assert.ErrorIs(t, err, auth.ErrNoToken)
	assert.Equal(t, 0, api.count("threads"))
}

func TestDedupeLastWriteWins(t *testing.T) {
	out := dedupe([]classifieds.ThreadSummary{
		{ID: "1", Title: "first"},
		{ID: "2", Title: "two"},
		{ID: "1", Title: "second"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "second", out[0].Title)
	assert.Equal(t, classifieds.ID("2"), out[1].ID)
}

func TestLiveContacts(t *testing.T) {
	contacts := liveContacts([]classifieds.ThreadSummary{
		{ID: "1", Title: "Ana", OtherID: "42", Image2: "a.jpg"},
		{ID: "2", Title: "ANA ", OtherID: "43"},
		{ID: "3", Title: "Bo", OtherID: "44"},
		{ID: "4", Title: "Nobody"},
	})
	require.Len(t, contacts, 2)
	assert.Equal(t, classifieds.Contact{ID: "42", Title: "Ana", Image: "a.jpg", ThreadID: "1"}, contacts[0])
	assert.Equal(t, "Bo", contacts[1].Title)
}

func TestOnUnreadAfterBaseline(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	th := thread("1", "a", "42", "Ana")
	api.setThreads([]classifieds.Thread{th})

	var mu sync.Mutex
	var alerted []classifieds.ID
	rec := &events.Recorder{}
	cfg := testConfig()
	cfg.Events = rec
	cfg.OnUnread = func(_ context.Context, userID string, ts []classifieds.ThreadSummary) {
		mu.Lock()
		defer mu.Unlock()
		alerted = append(alerted, ids(ts)...)
	}

	e := New(cfg, api, loggedIn(), newStore(t), discard())
	require.NoError(t, e.LoadOnce(ctx))
	assert.Empty(t, alerted, "first cycle only sets the baseline")

	th.NewMessages = intp(5)
	api.setThreads([]classifieds.Thread{th})
	require.NoError(t, e.LoadOnce(ctx))
	assert.Equal(t, []classifieds.ID{"1"}, alerted)

	got := rec.Events()
	require.Len(t, got, 2)
	assert.Equal(t, 5, got[1].Payload.(events.ThreadsSynced).Unread)
}

func TestSlowUnreadHookDoesNotBlockRefresh(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	th := thread("1", "a", "42", "Ana")
	api.setThreads([]classifieds.Thread{th})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	cfg := testConfig()
	cfg.OnUnread = func(context.Context, string, []classifieds.ThreadSummary) {
		once.Do(func() { close(entered) })
		<-release
	}

	e := New(cfg, api, loggedIn(), newStore(t), discard())
	require.NoError(t, e.LoadOnce(ctx))

	th.NewMessages = intp(5)
	api.setThreads([]classifieds.Thread{th})
	background := make(chan error, 1)
	go func() { background <- e.LoadOnce(ctx) }()
	<-entered

	refreshed := make(chan error, 1)
	go func() { refreshed <- e.Refresh(ctx) }()
	select {
	case err := <-refreshed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("refresh waited for the unread hook")
	}
	assert.Equal(t, 5, e.Snapshot().Threads[0].Unread)

	close(release)
	require.NoError(t, <-background)
}

func TestStartPollsUntilStopped(t *testing.T) {
	api := newFakeAPI()
	api.setThreads([]classifieds.Thread{thread("1", "a", "42", "Ana")})
	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond

	e := New(cfg, api, loggedIn(), newStore(t), discard())
	e.Start(context.Background())

	require.Eventually(t, func() bool { return api.count("threads") >= 3 }, 2*time.Second, 5*time.Millisecond)
	e.Stop()

	calls := api.count("threads")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, api.count("threads"), "no fetches after stop")
	assert.ErrorIs(t, e.LoadOnce(context.Background()), ErrStopped)
	assert.False(t, e.Snapshot().Syncing)
}
