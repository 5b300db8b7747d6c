package email

import (
	"bytes"
	"html/template"
	"strings"

	"classifieds-sync/pkg/classifieds"
)

var unreadTemplate = template.Must(template.New("unread").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }
.thread { display: flex; gap: 12px; padding: 14px 0; border-bottom: 1px solid #eee; }
.thread:last-of-type { border-bottom: none; }
.thread img { width: 56px; height: 56px; border-radius: 8px; object-fit: cover; }
.title { font-weight: 600; }
.count { background: #e74c3c; color: #fff; border-radius: 10px; padding: 0 8px; font-size: 0.85em; margin-left: 6px; }
.model { color: #7f8c8d; font-size: 0.9em; }
.text { margin-top: 4px; }
.footer { margin-top: 24px; font-size: 0.9em; color: #7f8c8d; }
@media (prefers-color-scheme: dark) {
body { background: #1a1a1a; color: #e0e0e0; }
.thread { border-bottom-color: #333; }
.model, .footer { color: #a0a0a0; }
}
</style>
</head>
<body>
{{range .Threads}}<div class="thread">
{{if .Image}}<img src="{{.Image}}" alt="">{{end}}
<div>
<div><span class="title">{{.Title}}</span>{{if .ChatCount}}<span class="count">{{.ChatCount}}</span>{{end}}</div>
{{if .Model}}<div class="model">{{.Model}}</div>{{end}}
<div class="text">{{.Text}}</div>
</div>
</div>
{{end}}{{if .AppURL}}<div class="footer"><a href="{{.AppURL}}">Open your messages</a></div>
{{end}}</body>
</html>`))

type unreadRow struct {
	Title     string
	Model     string
	Text      string
	ChatCount string
	Image     string
}

func (s *Sender) formatUnreadBody(threads []classifieds.ThreadSummary) (string, error) {
	rows := make([]unreadRow, 0, len(threads))
	for _, t := range threads {
		rows = append(rows, unreadRow{
			Title:     t.Title,
			Model:     t.Model,
			Text:      truncate(t.Text, 280),
			ChatCount: t.ChatCount,
			Image:     safeImage(t.Image),
		})
	}

	var buf bytes.Buffer
	err := unreadTemplate.Execute(&buf, struct {
		Threads []unreadRow
		AppURL  string
	}{Threads: rows, AppURL: safeImage(s.appURL)})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// safeImage keeps only absolute http(s) URLs; anything else renders as no
// image rather than a broken or scriptable one.
func safeImage(u string) string {
	lower := strings.ToLower(strings.TrimSpace(u))
	if strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://") {
		return strings.TrimSpace(u)
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
