// Package client talks to a codesand server over HTTP and websockets.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codesand/codesand/internal/auth"
	"github.com/codesand/codesand/internal/storage"
)

var (
	ErrBusy         = errors.New("all containers are busy")
	ErrUnauthorized = errors.New("invalid key")
)

// APIError is a non-2xx reply the client has no sentinel for.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// RunOptions tunes a single run.
type RunOptions struct {
	MaxLines int
	Flags    string
}

// RunResult is the output of a finished run.
type RunResult struct {
	ID      string   `json:"id"`
	Outcome string   `json:"outcome"`
	Lines   []string `json:"lines"`
}

// SandboxStatus is one entry of the pool snapshot.
type SandboxStatus struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Recoveries int64  `json:"recoveries"`
}

// Status is the server's pool snapshot.
type Status struct {
	Sandboxes []SandboxStatus `json:"sandboxes"`
	Stats     struct {
		Total      int `json:"total"`
		Idle       int `json:"idle"`
		Busy       int `json:"busy"`
		Restarting int `json:"restarting"`
	} `json:"stats"`
	ActiveRuns int `json:"active_runs"`
}

// Language describes a runner the server accepts.
type Language struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
	Flags   bool     `json:"flags"`
	Timeout string   `json:"timeout"`
}

// Client is a codesand API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	key     string
	http    *http.Client

	// Retries is how many times Run retries when every sandbox is busy.
	Retries int
}

// New creates a client for the server at baseURL authenticating with key.
func New(baseURL, key string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set(auth.Header, c.key)
	return req, nil
}

// do sends req and decodes a 2xx JSON body into v when v is non-nil.
func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		return ErrBusy
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	var e struct {
		Error string `json:"error"`
	}
	msg := string(body)
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{Status: resp.StatusCode, Body: msg}
}

func runQuery(opts RunOptions) string {
	q := url.Values{}
	if opts.MaxLines > 0 {
		q.Set("maxlines", strconv.Itoa(opts.MaxLines))
	}
	if opts.Flags != "" {
		q.Set("flags", opts.Flags)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Run executes code and returns its output once the run has finished.
func (c *Client) Run(ctx context.Context, runner, code string, opts RunOptions) (*RunResult, error) {
	path := "/run/" + url.PathEscape(runner) + runQuery(opts)

	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(code))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/plain")

		var lines []string
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("running code: %w", err)
		}
		err = checkStatus(resp)
		if err == nil {
			err = json.NewDecoder(resp.Body).Decode(&lines)
			if err != nil {
				err = fmt.Errorf("decoding output: %w", err)
			}
		}
		resp.Body.Close()

		if err == nil {
			return &RunResult{
				ID:      resp.Header.Get("X-Job-ID"),
				Outcome: resp.Header.Get("X-Job-Outcome"),
				Lines:   lines,
			}, nil
		}
		if !errors.Is(err, ErrBusy) || attempt >= c.Retries {
			return nil, err
		}

		wait := time.Duration(1<<attempt) * 250 * time.Millisecond
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("running code: %w", ctx.Err())
		}
	}
}

type wsMessage struct {
	Type     string   `json:"type"`
	Content  string   `json:"content,omitempty"`
	MaxLines int      `json:"max_lines,omitempty"`
	Flags    string   `json:"flags,omitempty"`
	ID       string   `json:"id,omitempty"`
	Outcome  string   `json:"outcome,omitempty"`
	Lines    []string `json:"lines,omitempty"`
}

// Stream executes code over a websocket, calling onLine for every captured
// line. Cancelling ctx asks the server to cancel the run, and Stream still
// returns the partial result.
func (c *Client) Stream(ctx context.Context, runner, code string, opts RunOptions, onLine func(string)) (*RunResult, error) {
	u, err := url.Parse(c.baseURL + "/run/" + url.PathEscape(runner) + "/ws")
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{auth.Header: {c.key}})
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if serr := checkStatus(resp); serr != nil {
				return nil, serr
			}
		}
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	var wmu sync.Mutex
	write := func(m wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(m)
	}

	if err := write(wsMessage{Type: "run", Content: code, MaxLines: opts.MaxLines, Flags: opts.Flags}); err != nil {
		return nil, fmt.Errorf("sending run: %w", err)
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			write(wsMessage{Type: "cancel"})
		case <-finished:
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("reading output: %w", err)
		}
		switch msg.Type {
		case "line":
			if onLine != nil {
				onLine(msg.Content)
			}
		case "done":
			return &RunResult{ID: msg.ID, Outcome: msg.Outcome, Lines: msg.Lines}, nil
		case "error":
			if msg.Content == "All containers are busy try later" {
				return nil, ErrBusy
			}
			return nil, errors.New(msg.Content)
		}
	}
}

// Status returns the pool snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := c.do(req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Languages lists the runners the server accepts.
func (c *Client) Languages(ctx context.Context) ([]Language, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/languages", nil)
	if err != nil {
		return nil, err
	}
	var langs []Language
	if err := c.do(req, &langs); err != nil {
		return nil, err
	}
	return langs, nil
}

// Jobs lists recorded jobs, newest first.
func (c *Client) Jobs(ctx context.Context, opts storage.JobListOptions) ([]storage.Job, error) {
	q := url.Values{}
	if opts.Runner != "" {
		q.Set("runner", opts.Runner)
	}
	if opts.Outcome != "" {
		q.Set("outcome", string(opts.Outcome))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var jobs []storage.Job
	if err := c.do(req, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Job returns one recorded job by ID or unique prefix.
func (c *Client) Job(ctx context.Context, id string) (*storage.Job, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var j storage.Job
	if err := c.do(req, &j); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
		return nil, err
	}
	return &j, nil
}
