// Package solr ships JSON update payloads to the search backend, with an
// optional background worker that decouples HTTP from enumeration.
package solr

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openbib/recsync/pkg/recsync/internalerr"
)

const userAgent = "recsync"

// Long timeout for commit-after-delete and optimize requests.
const longTimeout = time.Hour

// Options configures a Client.
type Options struct {
	UpdateURL        string
	Username         string
	Password         string
	Timeout          time.Duration // 0 = no timeout
	Background       bool
	DisableCertCheck bool
	Logger           *slog.Logger
}

// Client posts update payloads to the backend. At most one background
// request is in flight at any time; a new send first awaits the prior
// one, and a failed background request aborts the caller's pipeline.
type Client struct {
	updateURL  string
	username   string
	password   string
	timeout    time.Duration
	background bool
	httpClient *http.Client
	logger     *slog.Logger

	inflight chan error
}

// New creates a Client. With certificate checks disabled the HTTP client
// is created here; otherwise it is created lazily on first use.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		updateURL:  opts.UpdateURL,
		username:   opts.Username,
		password:   opts.Password,
		timeout:    opts.Timeout,
		background: opts.Background,
		logger:     logger,
	}
	if opts.DisableCertCheck {
		c.httpClient = &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
	}
	return c
}

// Update posts an update payload. In background mode the request runs on
// a worker and the call returns after the previous request has been
// awaited; the new request's outcome is surfaced by the next Update or
// Wait call.
func (c *Client) Update(ctx context.Context, body []byte) error {
	if !c.background {
		return c.post(ctx, body, c.timeout)
	}
	if err := c.Wait(); err != nil {
		return err
	}
	ch := make(chan error, 1)
	c.inflight = ch
	go func() {
		err := c.post(context.Background(), body, c.timeout)
		if err != nil {
			c.logger.Error("background solr request failed", "error", err)
		}
		ch <- err
	}()
	return nil
}

// Wait awaits the outstanding background request, if any.
func (c *Client) Wait() error {
	if c.inflight == nil {
		return nil
	}
	err := <-c.inflight
	c.inflight = nil
	return err
}

// Commit issues a commit and awaits the transport.
func (c *Client) Commit(ctx context.Context) error {
	if err := c.Update(ctx, []byte(`{"commit":{}}`)); err != nil {
		return err
	}
	return c.Wait()
}

// CommitLong issues a commit with the long timeout, bypassing the
// background worker.
func (c *Client) CommitLong(ctx context.Context) error {
	if err := c.Wait(); err != nil {
		return err
	}
	return c.post(ctx, []byte(`{"commit":{}}`), longTimeout)
}

// Optimize issues an optimize request with the long timeout.
func (c *Client) Optimize(ctx context.Context) error {
	if err := c.Wait(); err != nil {
		return err
	}
	return c.post(ctx, []byte(`{"optimize":{}}`), longTimeout)
}

// DeleteByQuery removes every document matching a query, with the long
// timeout.
func (c *Client) DeleteByQuery(ctx context.Context, query string) error {
	if err := c.Wait(); err != nil {
		return err
	}
	body := fmt.Sprintf(`{"delete":{"query":%q}}`, query)
	return c.post(ctx, []byte(body), longTimeout)
}

func (c *Client) post(ctx context.Context, body []byte, timeout time.Duration) error {
	if c.updateURL == "" {
		return fmt.Errorf("%w: update URL not configured", internalerr.ErrInvalidConfig)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.updateURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", internalerr.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s (request: %s)",
			internalerr.ErrTransport, resp.StatusCode, string(respBody), truncate(string(body), 512))
	}
	return nil
}

func (c *Client) client() *http.Client {
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c.httpClient
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
