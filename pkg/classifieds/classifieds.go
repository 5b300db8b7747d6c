// Package classifieds contains the core domain types shared by the thread
// synchronizer, the listing draft and the remote marketplace API client.
package classifieds

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// ID is an identifier the API may send either as a JSON number or a string.
type ID string

// UnmarshalJSON accepts numbers, strings and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Int returns the numeric form of the id, or 0 when it is not numeric.
func (id ID) Int() int64 {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// User is a marketplace user profile.
type User struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// DisplayName returns the name shown for a user in lists.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

// PictureURL holds the size variants of a listing picture.
type PictureURL struct {
	Full   string `json:"full,omitempty"`
	Medium string `json:"medium,omitempty"`
	Small  string `json:"small,omitempty"`
}

// Picture is a listing picture as embedded by the API.
type Picture struct {
	URL PictureURL `json:"url"`
}

// Post is a classifieds listing (the API calls listings "posts").
type Post struct {
	ID         ID       `json:"id"`
	Title      string   `json:"title"`
	PictureURL string   `json:"picture_url,omitempty"`
	Picture    *Picture `json:"picture,omitempty"`
}

// ImageURL returns the best available listing image, or "".
func (p *Post) ImageURL() string {
	if p == nil {
		return ""
	}
	if p.Picture != nil {
		for _, u := range []string{p.Picture.URL.Medium, p.Picture.URL.Full, p.Picture.URL.Small} {
			if u != "" {
				return u
			}
		}
	}
	return p.PictureURL
}

// Recipient is the per-message recipient record, including the
// recipient's last-read marker for the thread.
type Recipient struct {
	UserID   ID     `json:"user_id"`
	LastRead string `json:"last_read,omitempty"`
}

// Message is a single chat message.
type Message struct {
	ID        ID         `json:"id"`
	ThreadID  ID         `json:"thread_id"`
	UserID    ID         `json:"user_id"`
	Body      string     `json:"body"`
	CreatedAt string     `json:"created_at"`
	Recipient *Recipient `json:"p_recipient,omitempty"`
}

// Participant is a thread member with its last-read marker.
type Participant struct {
	User
	LastRead string `json:"last_read,omitempty"`
}

// Thread is a conversation as returned by the threads endpoints.
type Thread struct {
	ID            ID            `json:"id"`
	Subject       string        `json:"subject"`
	PostID        ID            `json:"post_id"`
	UpdatedAt     string        `json:"updated_at"`
	Creator       *User         `json:"p_creator,omitempty"`
	LatestMessage *Message      `json:"latest_message,omitempty"`
	Post          *Post         `json:"post,omitempty"`
	Participants  []Participant `json:"participants,omitempty"`
	NewMessages   *int          `json:"p_new_messages,omitempty"` // Thread-level unread counter, when the server has one
	IsUnread      *bool         `json:"p_is_unread,omitempty"`
}

// Participant returns the embedded participant with the given id.
func (t *Thread) Participant(id ID) (*Participant, bool) {
	for i := range t.Participants {
		if t.Participants[i].ID == id {
			return &t.Participants[i], true
		}
	}
	return nil, false
}

// ThreadSummary is the display-ready row for the chat list.
type ThreadSummary struct {
	ID        ID        `json:"id"`
	Title     string    `json:"title"`
	Image     string    `json:"image"`
	Image2    string    `json:"image2"`
	Text      string    `json:"text"`
	Time      string    `json:"time"`
	ChatCount string    `json:"chatcount"`
	Model     string    `json:"model"`
	OtherID   ID        `json:"other_id,omitempty"`
	Unread    int       `json:"unread"`
	UpdatedAt time.Time `json:"updated_at"`

	SearchTitle   string `json:"search_title"`
	SearchSubject string `json:"search_subject"`
	SearchText    string `json:"search_text"`
}

// Contact is an entry in the recent-contacts strip.
type Contact struct {
	ID       ID     `json:"id"`
	Title    string `json:"title"`
	Image    string `json:"image"`
	ThreadID ID     `json:"thread_id"`
}
