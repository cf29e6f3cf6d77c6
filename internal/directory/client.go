package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"messaging-service/internal/observability"
)

// User is the display-ready identity record the platform's user directory
// exposes for rendering conversation participants and message senders.
type User struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	ProfilePhoto string `json:"profile_photo"`
}

// Client talks to the platform user-directory HTTP API. Transient failures
// (network errors, 5xx) are retried with exponential backoff.
type Client struct {
	baseURL    string
	http       *http.Client
	maxElapsed time.Duration
	log        *zap.SugaredLogger
}

// NewClient constructs a directory client for the given base URL.
func NewClient(baseURL string, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Transport: tr, Timeout: 10 * time.Second},
		maxElapsed: 15 * time.Second,
		log:        log,
	}
}

// GetUser fetches a single user record.
func (c *Client) GetUser(ctx context.Context, userID int) (User, error) {
	var user User
	err := c.getJSON(ctx, "get_user", fmt.Sprintf("%s/internal/users/%d", c.baseURL, userID), &user)
	return user, err
}

// BulkUsers fetches multiple users in one call. Unknown ids are absent from
// the result; callers render what they get.
func (c *Client) BulkUsers(ctx context.Context, ids []int) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}

	params := make([]string, 0, len(ids))
	for _, id := range ids {
		params = append(params, strconv.Itoa(id))
	}
	endpoint := fmt.Sprintf("%s/internal/users?ids=%s", c.baseURL, url.QueryEscape(strings.Join(params, ",")))

	var resp struct {
		Users []User `json:"users"`
	}
	if err := c.getJSON(ctx, "bulk_users", endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// UsersByID is a convenience wrapper around BulkUsers for read-side joins.
func (c *Client) UsersByID(ctx context.Context, ids []int) (map[int]User, error) {
	users, err := c.BulkUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	return byID, nil
}

func (c *Client) getJSON(ctx context.Context, operation, endpoint string, out interface{}) error {
	var lastBody []byte
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("directory %s: status %d", operation, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(fmt.Errorf("directory %s: status %d", operation, resp.StatusCode))
		}

		lastBody, err = io.ReadAll(resp.Body)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		observability.IncDirectoryRequest(operation, "error")
		c.log.Warnw("directory lookup failed", "operation", operation, "error", err)
		return err
	}

	observability.IncDirectoryRequest(operation, "ok")
	return json.Unmarshal(lastBody, out)
}
