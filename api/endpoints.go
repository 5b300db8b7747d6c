package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"classifieds-sync/pkg/classifieds"
)

// Threads fetches the first page of the viewer's threads with the listing
// post embedded.
func (c *Client) Threads(ctx context.Context, token string, perPage int) ([]classifieds.Thread, error) {
	q := url.Values{}
	q.Set("perPage", strconv.Itoa(perPage))
	q.Set("embed", "post")

	var p page[classifieds.Thread]
	if err := c.get(ctx, token, "/threads", q, &p); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return p.Data, nil
}

// Thread fetches one thread with participants and their last-read markers.
func (c *Client) Thread(ctx context.Context, token string, id classifieds.ID) (*classifieds.Thread, error) {
	q := url.Values{}
	q.Set("embed", "participants")

	var t classifieds.Thread
	if err := c.get(ctx, token, "/threads/"+url.PathEscape(id.String()), q, &t); err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return &t, nil
}

// ThreadMessages fetches up to 100 messages of a thread sorted by creation.
func (c *Client) ThreadMessages(ctx context.Context, token string, id classifieds.ID) ([]classifieds.Message, error) {
	q := url.Values{}
	q.Set("sort", "created_at")
	q.Set("perPage", "100")

	var p page[classifieds.Message]
	if err := c.get(ctx, token, "/threads/"+url.PathEscape(id.String())+"/messages", q, &p); err != nil {
		return nil, fmt.Errorf("list messages of thread %s: %w", id, err)
	}
	return p.Data, nil
}

// User fetches a user profile.
func (c *Client) User(ctx context.Context, token string, id classifieds.ID) (*classifieds.User, error) {
	var u classifieds.User
	if err := c.get(ctx, token, "/users/"+url.PathEscape(id.String()), nil, &u); err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

// Post fetches a listing.
func (c *Client) Post(ctx context.Context, token string, id classifieds.ID) (*classifieds.Post, error) {
	var p classifieds.Post
	if err := c.get(ctx, token, "/posts/"+url.PathEscape(id.String()), nil, &p); err != nil {
		return nil, fmt.Errorf("get post %s: %w", id, err)
	}
	return &p, nil
}

// CategoryFields fetches the dynamic field schema of a category.
func (c *Client) CategoryFields(ctx context.Context, token string, categoryID string) ([]classifieds.FieldDescriptor, error) {
	var fields []classifieds.FieldDescriptor
	if err := c.get(ctx, token, "/categories/"+url.PathEscape(categoryID)+"/fields", nil, &fields); err != nil {
		return nil, fmt.Errorf("get fields of category %s: %w", categoryID, err)
	}
	return fields, nil
}
