// Package shipclient speaks the wire protocol of the in-ship service:
// readiness probe, exec dispatch, file transfer, log tail and the
// WebSocket terminal.
package shipclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
)

// maxLogTail bounds the tail parameter forwarded to ships.
const maxLogTail = 10000

// ExecRequest is the tagged request dispatched to a ship's exec endpoint.
// Type is one of "ipython/exec", "shell/exec", "shell/processes",
// "shell/cwd", "fs/create_file", "fs/read_file", "fs/write_file",
// "fs/delete_file", "fs/list_dir".
type ExecRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// ExecResult is the ship's tagged response.
type ExecResult struct {
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms,omitempty"`
	Code            string          `json:"code,omitempty"`
	Command         string          `json:"command,omitempty"`
}

type Config struct {
	Token         string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	ExecTimeout   time.Duration
}

// Client talks to individual ships. One instance serves the whole fleet;
// the ship endpoint is passed per call.
type Client struct {
	http   *http.Client
	dialer *websocket.Dialer
	cfg    Config
	log    *logrus.Entry
}

func New(cfg Config, log *logrus.Entry) *Client {
	return &Client{
		http:   &http.Client{},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		cfg:    cfg,
		log:    log.WithField("component", "shipclient"),
	}
}

func (c *Client) headers(sessionID string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.Token)
	if sessionID != "" {
		h.Set("X-SESSION-ID", sessionID)
	}
	return h
}

// WaitReady polls the ship's health endpoint on a fixed interval until it
// answers 2xx or the probe window closes.
func (c *Client) WaitReady(ctx context.Context, endpoint string) error {
	attempts := uint(c.cfg.ProbeTimeout / c.cfg.ProbeInterval)
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		func() error {
			reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeInterval)
			defer cancel()
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
				fmt.Sprintf("http://%s/health", endpoint), nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("health returned %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.cfg.ProbeInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return bayerr.Wrap(bayerr.ShipUnready, err,
			"ship at %s not ready after %s", endpoint, c.cfg.ProbeTimeout)
	}
	return nil
}

// Exec forwards a tagged execution request and decodes the tagged result.
func (c *Client) Exec(ctx context.Context, endpoint, sessionID string, execReq ExecRequest) (*ExecResult, error) {
	body, err := json.Marshal(execReq)
	if err != nil {
		return nil, fmt.Errorf("encoding exec request: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		fmt.Sprintf("http://%s/exec", endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = c.headers(sessionID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(err, "exec against %s", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, bayerr.New(bayerr.ShipUnready, "ship at %s returned %d: %s", endpoint, resp.StatusCode, msg)
	}
	var result ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding exec response: %w", err)
	}
	return &result, nil
}

// Upload streams a file to the ship as multipart form data without ever
// holding the whole payload in memory. The ship's HTTP status is propagated
// via the returned status code.
func (c *Client) Upload(ctx context.Context, endpoint, sessionID, destPath, filename string, r io.Reader) (*ExecResult, int, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, r); err != nil {
				return fmt.Errorf("streaming upload: %w", err)
			}
			if err := mw.WriteField("file_path", destPath); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/upload", endpoint), pr)
	if err != nil {
		return nil, 0, err
	}
	req.Header = c.headers(sessionID)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, c.classify(err, "upload to %s", endpoint)
	}
	defer resp.Body.Close()
	var result ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decoding upload response: %w", err)
	}
	return &result, resp.StatusCode, nil
}

// Download opens a streamed read of a ship file. The caller owns the
// returned body.
func (c *Client) Download(ctx context.Context, endpoint, sessionID, filePath string) (io.ReadCloser, http.Header, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/download", endpoint), nil)
	if err != nil {
		return nil, nil, 0, err
	}
	q := req.URL.Query()
	q.Set("file_path", filePath)
	req.URL.RawQuery = q.Encode()
	req.Header = c.headers(sessionID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, 0, c.classify(err, "download from %s", endpoint)
	}
	return resp.Body, resp.Header, resp.StatusCode, nil
}

// Logs fetches a bounded tail of the in-ship service log.
func (c *Client) Logs(ctx context.Context, endpoint, sessionID string, tail int) (string, error) {
	if tail <= 0 || tail > maxLogTail {
		tail = maxLogTail
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/logs?tail=%s", endpoint, strconv.Itoa(tail)), nil)
	if err != nil {
		return "", err
	}
	req.Header = c.headers(sessionID)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.classify(err, "fetching logs from %s", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", bayerr.New(bayerr.ShipUnready, "ship at %s returned %d", endpoint, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DialTerminal opens the upstream WebSocket for the ship's PTY.
func (c *Client) DialTerminal(ctx context.Context, endpoint, sessionID string, cols, rows int) (*websocket.Conn, error) {
	url := fmt.Sprintf("ws://%s/terminal?cols=%d&rows=%d", endpoint, cols, rows)
	conn, resp, err := c.dialer.DialContext(ctx, url, c.headers(sessionID))
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, c.classify(err, "dialing terminal at %s", endpoint)
	}
	return conn, nil
}

// classify maps transport failures onto the shared taxonomy: timeouts are
// their own kind, everything else means the ship is not serving.
func (c *Client) classify(err error, format string, args ...any) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return bayerr.Wrap(bayerr.BackendTimeout, err, format, args...)
	}
	return bayerr.Wrap(bayerr.ShipUnready, err, format, args...)
}
