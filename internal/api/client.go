// Package api is the JSON-over-HTTP client for the remote inventory service.
//
// Every call is attributed to a user through the X-User-Id header. A call
// made without a user fails with transport.ErrUnauthenticated before any
// request is sent.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tendero/shopsync/internal/schema"
	"github.com/tendero/shopsync/internal/transport"
)

// ErrTemporaryID is returned when a call targets a record that only has a
// local placeholder id.
var ErrTemporaryID = errors.New("record has not been confirmed by the server")

// UserHeader carries the acting user id.
const UserHeader = "X-User-Id"

// UserSource yields the active user id ("" when nobody is signed in).
type UserSource interface {
	UserID() string
}

// Doer is the part of transport.Executor the client needs.
type Doer interface {
	Do(ctx context.Context, req transport.Request, maxRetries int) (*transport.Response, error)
}

type userKey struct{}

// WithUser attributes calls made with ctx to userID regardless of the
// active session. The queue uses it to replay a mutation as its author.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// Client talks to one service base URL.
type Client struct {
	base  *url.URL
	exec  Doer
	users UserSource
	// MaxRetries is passed to the executor; negative means its default.
	MaxRetries int
}

// New resolves baseURL once and returns a client.
func New(baseURL string, exec Doer, users UserSource) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q: scheme and host required", baseURL)
	}
	return &Client{base: base, exec: exec, users: users, MaxRetries: -1}, nil
}

// BaseURL returns the resolved service root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) user(ctx context.Context) string {
	if id, ok := ctx.Value(userKey{}).(string); ok && id != "" {
		return id
	}
	if c.users == nil {
		return ""
	}
	return c.users.UserID()
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(strings.Trim(s, "/"))
	}
	return c.base.JoinPath(escaped...).String()
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*transport.Response, error) {
	userID := c.user(ctx)
	if userID == "" {
		return nil, transport.ErrUnauthenticated
	}
	header := http.Header{}
	header.Set(UserHeader, userID)
	return c.exec.Do(ctx, transport.Request{
		Method: method,
		URL:    target,
		Header: header,
		Body:   body,
	}, c.MaxRetries)
}

// List fetches every record of kind for the acting user as raw JSON objects.
func (c *Client) List(ctx context.Context, kind schema.Kind) ([]json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(kind.Path()), nil)
	if err != nil {
		return nil, err
	}
	items, err := DecodeList(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s list: %w", kind, err)
	}
	return items, nil
}

// Create posts a new record and returns the server's copy.
func (c *Client) Create(ctx context.Context, kind schema.Kind, body []byte) (json.RawMessage, error) {
	if err := checkRefs(kind, body); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, c.endpoint(kind.Path()), body)
	if err != nil {
		return nil, err
	}
	return decodeOne(resp.Body)
}

// CreateSalesBulk posts several sales in one request. The response lists the
// created records in request order.
func (c *Client) CreateSalesBulk(ctx context.Context, bodies []json.RawMessage) ([]json.RawMessage, error) {
	for _, body := range bodies {
		if err := checkRefs(schema.KindSale, body); err != nil {
			return nil, err
		}
	}
	payload, err := json.Marshal(bodies)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bulk sales: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.endpoint(schema.KindSale.Path(), "bulk"), payload)
	if err != nil {
		return nil, err
	}
	items, err := DecodeList(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode bulk sales response: %w", err)
	}
	if len(items) != len(bodies) {
		return nil, fmt.Errorf("bulk sales response has %d records for %d requests", len(items), len(bodies))
	}
	return items, nil
}

// Update replaces the record with the given server id.
func (c *Client) Update(ctx context.Context, kind schema.Kind, id schema.ID, body []byte) (json.RawMessage, error) {
	serverID, err := remoteID(id)
	if err != nil {
		return nil, err
	}
	if err := checkRefs(kind, body); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPut, c.endpoint(kind.Path(), serverID), body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil, nil
	}
	return decodeOne(resp.Body)
}

// Delete removes the record with the given server id. A record the server
// no longer has counts as deleted.
func (c *Client) Delete(ctx context.Context, kind schema.Kind, id schema.ID) error {
	serverID, err := remoteID(id)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, c.endpoint(kind.Path(), serverID), nil)
	if transport.StatusCode(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func remoteID(id schema.ID) (string, error) {
	if id.IsTemporary() {
		return "", fmt.Errorf("%w: %s", ErrTemporaryID, id)
	}
	serverID, ok := id.Server()
	if !ok {
		return "", fmt.Errorf("%w: empty id", ErrTemporaryID)
	}
	return serverID, nil
}

// checkRefs refuses a body that names a record by its temporary id.
func checkRefs(kind schema.Kind, body []byte) error {
	refs, err := schema.TemporaryRefs(kind, body)
	if err != nil || len(refs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s %s references %s %s", ErrTemporaryID, kind, refs[0].Field, refs[0].Kind, refs[0].ID)
}

// DecodeList accepts a bare array or an object wrapping one under "data"
// or "items".
func DecodeList(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}

	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Items json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	for _, inner := range []json.RawMessage{envelope.Data, envelope.Items} {
		inner = bytes.TrimSpace(inner)
		if len(inner) > 0 && inner[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(inner, &items); err != nil {
				return nil, err
			}
			return items, nil
		}
	}
	return nil, fmt.Errorf("unexpected list shape")
}

// decodeOne accepts a bare object or one wrapped under "data".
func decodeOne(body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("expected a JSON object in response")
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		inner := bytes.TrimSpace(envelope.Data)
		if len(inner) > 0 && inner[0] == '{' {
			return inner, nil
		}
	}
	return json.RawMessage(body), nil
}
