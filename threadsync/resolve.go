package threadsync

import (
	"strings"
	"sync"

	"classifieds-sync/pkg/classifieds"
)

// OtherParty picks the counterpart of a thread for viewer me:
// the latest message's recipient when that is not me; the thread creator
// when the recipient is me; the creator when there is no recipient and the
// creator is not me. It returns "" when nobody qualifies.
func OtherParty(t *classifieds.Thread, me classifieds.ID) classifieds.ID {
	if lm := t.LatestMessage; lm != nil && lm.Recipient != nil && lm.Recipient.UserID != "" {
		if lm.Recipient.UserID != me {
			return lm.Recipient.UserID
		}
		if t.Creator != nil && t.Creator.ID != "" && t.Creator.ID != me {
			return t.Creator.ID
		}
		// I started the thread and got the last message: the sender is the other side
		if lm.UserID != "" && lm.UserID != me {
			return lm.UserID
		}
		return ""
	}
	if t.Creator != nil && t.Creator.ID != "" && t.Creator.ID != me {
		return t.Creator.ID
	}
	return ""
}

var placeholderMarkers = []string{
	"placeholder",
	"no-image",
	"no_image",
	"noimage",
	"default-image",
	"default_image",
	"/default.",
}

// isPlaceholder reports whether url is empty or one of the generic images
// the API hands out when a listing has no picture.
func isPlaceholder(url, defaultImage string) bool {
	if strings.TrimSpace(url) == "" {
		return true
	}
	if defaultImage != "" && url == defaultImage {
		return true
	}
	lower := strings.ToLower(url)
	for _, m := range placeholderMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// dedupe drops id collisions. The last summary for an id wins and takes
// the position of the first.
func dedupe(in []classifieds.ThreadSummary) []classifieds.ThreadSummary {
	index := make(map[classifieds.ID]int, len(in))
	out := make([]classifieds.ThreadSummary, 0, len(in))
	for _, s := range in {
		if i, ok := index[s.ID]; ok {
			out[i] = s
			continue
		}
		index[s.ID] = len(out)
		out = append(out, s)
	}
	return out
}

// liveContacts collects one contact per case-insensitive title, first
// occurrence winning.
func liveContacts(threads []classifieds.ThreadSummary) []classifieds.Contact {
	seen := make(map[string]bool)
	out := make([]classifieds.Contact, 0)
	for _, s := range threads {
		key := strings.ToLower(strings.TrimSpace(s.Title))
		if key == "" || s.OtherID == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, classifieds.Contact{
			ID:       s.OtherID,
			Title:    s.Title,
			Image:    s.Image2,
			ThreadID: s.ID,
		})
	}
	return out
}

// Filter returns the threads whose title, subject or text contains query,
// case-insensitively, in their original order. An empty query returns all.
func Filter(threads []classifieds.ThreadSummary, query string) []classifieds.ThreadSummary {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]classifieds.ThreadSummary, 0, len(threads))
	for _, s := range threads {
		if q == "" ||
			strings.Contains(s.SearchTitle, q) ||
			strings.Contains(s.SearchSubject, q) ||
			strings.Contains(s.SearchText, q) {
			out = append(out, s)
		}
	}
	return out
}

// memo fetches each key at most once per cycle, sharing the result between
// concurrent callers.
type memo[T any] struct {
	mu    sync.Mutex
	calls map[classifieds.ID]*memoCall[T]
}

type memoCall[T any] struct {
	once sync.Once
	val  *T
	err  error
}

func newMemo[T any]() *memo[T] {
	return &memo[T]{calls: make(map[classifieds.ID]*memoCall[T])}
}

func (m *memo[T]) get(id classifieds.ID, fetch func() (*T, error)) (*T, error) {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		c = &memoCall[T]{}
		m.calls[id] = c
	}
	m.mu.Unlock()

	c.once.Do(func() {
		c.val, c.err = fetch()
	})
	return c.val, c.err
}
