/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"
)

// HandshakeError reports that no usable DevTools target appeared before the
// handshake deadline.
type HandshakeError struct {
	Cause error
}

func (e *HandshakeError) Error() string {
	if e.Cause == nil {
		return "devtools handshake timed out"
	}
	return fmt.Sprintf("devtools handshake timed out: %v", e.Cause)
}

func (e *HandshakeError) Unwrap() error { return e.Cause }

// ProtocolError reports a failed DevTools command: either the remote side
// answered with an error frame or the transport broke mid-command.
type ProtocolError struct {
	Method string
	Cause  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("devtools %s: %v", e.Method, e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

const (
	handshakeTimeout  = 10 * time.Second
	handshakeInterval = 400 * time.Millisecond
	discoveryTimeout  = 2 * time.Second
	commandTimeout    = 4 * time.Second
)

// devtoolsClient caches the page target's websocket URL and issues each
// command over a fresh connection with a monotonically increasing id.
type devtoolsClient struct {
	port   int
	logger zerolog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	wsURL   string
	enabled bool

	// overridable in tests
	handshakeTimeout  time.Duration
	handshakeInterval time.Duration
}

func newDevtools(port int, logger zerolog.Logger) *devtoolsClient {
	return &devtoolsClient{
		port:              port,
		logger:            logger,
		handshakeTimeout:  handshakeTimeout,
		handshakeInterval: handshakeInterval,
	}
}

// reset drops the cached target so the next command or handshake rediscovers
// it. The command id counter keeps counting.
func (d *devtoolsClient) reset() {
	d.mu.Lock()
	d.wsURL = ""
	d.enabled = false
	d.mu.Unlock()
}

// handshake polls the discovery endpoint until a page target answers and the
// Page/Runtime domains are enabled, or the deadline passes.
func (d *devtoolsClient) handshake(ctx context.Context) error {
	deadline := time.Now().Add(d.handshakeTimeout)
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return &HandshakeError{Cause: err}
		}
		if time.Now().After(deadline) {
			return &HandshakeError{Cause: lastErr}
		}

		url, err := d.discoverTarget(ctx)
		if err == nil {
			d.mu.Lock()
			d.wsURL = url
			d.enabled = false
			d.mu.Unlock()
			if err = d.enableDomains(ctx); err == nil {
				return nil
			}
			d.reset()
		}
		lastErr = err
		time.Sleep(d.handshakeInterval)
	}
}

type discoveryTarget struct {
	Type                 string `json:"type"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// discoverTarget fetches the target list and picks the first page target
// that exposes a debugger websocket.
func (d *devtoolsClient) discoverTarget(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/json", d.port), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned %d", resp.StatusCode)
	}

	var targets []discoveryTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("decode target list: %w", err)
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", errors.New("no page target with a debugger websocket")
}

func (d *devtoolsClient) enableDomains(ctx context.Context) error {
	if _, err := d.send(ctx, "Page.enable", nil); err != nil {
		return err
	}
	if _, err := d.send(ctx, "Runtime.enable", nil); err != nil {
		return err
	}
	d.mu.Lock()
	d.enabled = true
	d.mu.Unlock()
	return nil
}

type commandFrame struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type resultFrame struct {
	ID     int64          `json:"id"`
	Error  *remoteError   `json:"error"`
	Result map[string]any `json:"result"`
}

type remoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// send issues one command over a fresh websocket connection and waits for
// the frame matching its id. Transport failures invalidate the cached target
// before surfacing.
func (d *devtoolsClient) send(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	d.mu.Lock()
	url := d.wsURL
	d.mu.Unlock()
	if url == "" {
		if err := d.handshake(ctx); err != nil {
			return nil, err
		}
		d.mu.Lock()
		url = d.wsURL
		d.mu.Unlock()
	}

	if params == nil {
		params = map[string]any{}
	}
	frame := commandFrame{ID: d.nextID.Add(1), Method: method, Params: params}
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, &ProtocolError{Method: method, Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		d.reset()
		return nil, &ProtocolError{Method: method, Cause: err}
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	if err := conn.Write(ctx, ws.MessageText, payload); err != nil {
		d.reset()
		return nil, &ProtocolError{Method: method, Cause: err}
	}

	// Events and other frames may arrive first; keep reading until our id.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			d.reset()
			return nil, &ProtocolError{Method: method, Cause: err}
		}
		var res resultFrame
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		if res.ID != frame.ID {
			continue
		}
		if res.Error != nil {
			return nil, &ProtocolError{Method: method, Cause: fmt.Errorf("%s (code %d)", res.Error.Message, res.Error.Code)}
		}
		return res.Result, nil
	}
}
