package classifieds

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// maxDisplayedUnread is the largest unread count shown as a number.
const maxDisplayedUnread = 99

// FormatUnread renders an unread count for the chat list badge.
func FormatUnread(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > maxDisplayedUnread:
		return "99+"
	default:
		return strconv.Itoa(n)
	}
}

// PlainText strips markup from a message body and collapses whitespace.
func PlainText(body string) string {
	if !strings.ContainsAny(body, "<&") {
		return strings.Join(strings.Fields(body), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return strings.Join(strings.Fields(body), " ")
	}
	doc.Find("br").ReplaceWithHtml(" ")
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// timeLayouts are the timestamp formats the API is known to emit.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02",
}

// ParseTime parses an API timestamp. The zero time is returned for empty or
// unrecognized input.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// RelativeTime renders t relative to now for the chat list.
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d < 48*time.Hour:
		return "yesterday"
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	case t.Year() == now.Year():
		return t.Format("Jan 2")
	default:
		return t.Format("Jan 2, 2006")
	}
}
