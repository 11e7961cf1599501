package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient is a Directory backed by a hub's REST endpoints.
type HTTPClient struct {
	base   string
	client *http.Client
}

var _ Directory = (*HTTPClient)(nil)

// NewHTTPClient takes the hub's base URL, e.g. http://localhost:8081. A
// ws:// or wss:// URL is accepted and its scheme converted.
func NewHTTPClient(base string, client *http.Client) *HTTPClient {
	base = strings.TrimSuffix(base, "/")
	base = strings.TrimSuffix(base, "/ws")
	switch {
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{base: base, client: client}
}

type memberRequest struct {
	UserID string `json:"userId"`
}

type memberResponse struct {
	Remaining int `json:"remaining"`
}

func (c *HTTPClient) Announce(ctx context.Context, room RoomInfo) error {
	return c.do(ctx, http.MethodPost, "/rooms", room, nil)
}

func (c *HTTPClient) Lookup(ctx context.Context, roomID string) (RoomInfo, error) {
	var info RoomInfo
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID), nil, &info)
	return info, err
}

func (c *HTTPClient) AddMember(ctx context.Context, roomID, userID string) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/members", memberRequest{UserID: userID}, nil)
}

func (c *HTTPClient) RemoveMember(ctx context.Context, roomID, userID string) (int, error) {
	var resp memberResponse
	err := c.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(roomID)+"/members/"+url.PathEscape(userID), nil, &resp)
	return resp.Remaining, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrRoomNotFound
	case resp.StatusCode == http.StatusBadRequest:
		return ErrInvalidRoom
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
