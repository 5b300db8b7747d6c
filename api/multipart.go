package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"

	"classifieds-sync/pkg/classifieds"
)

// FormField is one plain multipart field. Order is preserved.
type FormField struct {
	Name  string
	Value string
}

// FormFile is one file part.
type FormFile struct {
	Field       string
	Name        string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// PostForm is the full listing submission.
type PostForm struct {
	Fields []FormField
	Files  []FormFile
}

// Add appends a plain field.
func (f *PostForm) Add(name, value string) {
	f.Fields = append(f.Fields, FormField{Name: name, Value: value})
}

// Value returns the first value of name.
func (f *PostForm) Value(name string) (string, bool) {
	for _, field := range f.Fields {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

// encode writes the form as one multipart body.
func (f *PostForm) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, field := range f.Fields {
		if err := w.WriteField(field.Name, field.Value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", field.Name, err)
		}
	}

	for _, file := range f.Files {
		if err := writeFile(w, file); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeFile(w *multipart.Writer, file FormFile) error {
	r, err := file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer r.Close()

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.Field, file.Name))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part %s: %w", file.Name, err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("copy %s: %w", file.Name, err)
	}
	return nil
}

// CreatePost submits a listing as one multipart request. It is never
// retried: a timeout after the server accepted the body would otherwise
// create a duplicate listing.
func (c *Client) CreatePost(ctx context.Context, token string, form *PostForm) (*classifieds.Post, error) {
	body, contentType, err := form.encode()
	if err != nil {
		return nil, fmt.Errorf("encode listing: %w", err)
	}

	c.logger.Info("Submitting listing", "fields", len(form.Fields), "pictures", len(form.Files), "bytes", len(body))

	var p classifieds.Post
	if err := c.post(ctx, token, "/posts", contentType, body, &p); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return &p, nil
}
