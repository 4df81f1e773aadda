// Package ws provides a JSON-RPC 2.0 client over a WebSocket connection, as
// spoken by CometBFT RPC endpoints. It supports correlated request/response
// calls and server-pushed subscription events, which CometBFT delivers as
// frames reusing the id of the originating subscribe request.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrProviderReturnedError indicates that the remote JSON-RPC server
	// returned an error response.
	ErrProviderReturnedError = errors.New("provider error")

	// ErrReadTimeout indicates that no frame arrived within the configured
	// read timeout.
	ErrReadTimeout = errors.New("websocket read timeout")

	// ErrClientClosed is returned for calls issued after the connection has
	// been torn down.
	ErrClientClosed = errors.New("websocket client closed")
)

// response represents a standard JSON-RPC 2.0 response frame.
type response struct {
	JsonRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    string `json:"data"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Err returns an error when the response carries a JSON-RPC error object,
// wrapping ErrProviderReturnedError with the remote code and message.
func (r response) Err() error {
	if r.Error == nil {
		return nil
	}

	return fmt.Errorf("%w: [%d] - %s %s", ErrProviderReturnedError, r.Error.Code, r.Error.Message, r.Error.Data)
}

// Event is a server-pushed subscription frame. Err is non-nil on an event
// relaying a JSON-RPC error frame received on the subscription id, and on the
// terminal event emitted when the connection fails; the channel is closed
// right after the terminal event.
type Event struct {
	Query string          // the subscription query this event matched
	Data  json.RawMessage // the result.data payload
	Err   error           // terminal transport error, nil on normal events
}

// Client is a JSON-RPC client bound to a single WebSocket session. A Client
// is good for one connection: once the session fails or Close is called, a
// new Client must be dialed.
type Client interface {
	// Call sends a JSON-RPC request and decodes the result into result
	// (unless result is nil). It returns the remote error, the transport
	// error, or ctx's error, whichever happens first.
	Call(ctx context.Context, method string, params map[string]any, result any) error

	// Subscribe issues a subscribe call for the given query and returns the
	// channel on which matching events are delivered. The channel is closed
	// after a terminal Event carrying the transport error.
	Subscribe(ctx context.Context, query string) (<-chan Event, error)

	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// eventData is the shape of result frames pushed on a subscription.
type eventData struct {
	Query string          `json:"query"`
	Data  json.RawMessage `json:"data"`
}

type client struct {
	conn *websocket.Conn

	readTimeout time.Duration

	writeMu sync.Mutex // gorilla allows a single concurrent writer

	mu      sync.Mutex
	closed  bool
	pending map[string]chan response // one-shot request/response correlation
	subs    map[string]chan Event    // subscription id -> event stream
}

var _ Client = (*client)(nil)

// config holds dial-time settings.
type config struct {
	readTimeout      time.Duration
	handshakeTimeout time.Duration
}

// Option configures the client before dialing.
type Option func(*config)

// WithReadTimeout sets the per-frame read deadline. When no frame (data or
// control) arrives within this window the session is considered stalled and
// torn down with ErrReadTimeout. Default: 60s.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) {
		c.readTimeout = d
	}
}

// WithHandshakeTimeout bounds the WebSocket handshake. Default: 10s.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		c.handshakeTimeout = d
	}
}

// Dial opens a WebSocket connection to url and starts the read loop.
func Dial(ctx context.Context, url string, opts ...Option) (*client, error) {
	cfg := config{
		readTimeout:      60 * time.Second,
		handshakeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &client{
		conn:        conn,
		readTimeout: cfg.readTimeout,
		pending:     make(map[string]chan response),
		subs:        make(map[string]chan Event),
	}

	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	go c.readLoop()

	return c, nil
}

// readLoop reads frames until the connection fails, dispatching responses to
// pending calls and events to their subscription streams.
func (c *client) readLoop() {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				err = fmt.Errorf("%w: no frame in %s", ErrReadTimeout, c.readTimeout)
			}

			c.teardown(err)
			return
		}

		var resp response
		if err := json.Unmarshal(frame, &resp); err != nil {
			c.teardown(fmt.Errorf("malformed frame: %w", err))
			return
		}

		c.dispatch(resp)
	}
}

// dispatch routes a frame either to the pending call registered under its id
// or, for subscription ids, onto the event stream. Subscribe acks (frames on
// a subscription id whose result has no data payload) are swallowed.
func (c *client) dispatch(resp response) {
	c.mu.Lock()

	if ch, ok := c.pending[resp.ID]; ok {
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		ch <- resp
		return
	}

	ch, ok := c.subs[resp.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := resp.Err(); err != nil {
		ch <- Event{Err: err}
		return
	}

	var data eventData
	if err := json.Unmarshal(resp.Result, &data); err != nil || len(data.Data) == 0 {
		return // subscribe ack or unrecognized frame
	}

	ch <- Event{Query: data.Query, Data: data.Data}
}

// teardown fails every pending call, emits a terminal event on every
// subscription, and closes the underlying connection.
func (c *client) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	pending := c.pending
	subs := c.subs
	c.pending = nil
	c.subs = nil
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- response{ID: id, Error: &struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    string `json:"data"`
		}{Message: err.Error()}}
	}

	for _, ch := range subs {
		ch <- Event{Err: err}
		close(ch)
	}

	_ = c.conn.Close()
}

// write marshals and sends a single JSON-RPC request frame.
func (c *client) write(req map[string]any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, body)
}

func (c *client) Call(ctx context.Context, method string, params map[string]any, result any) error {
	id := uuid.NewString()
	respCh := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	if err := c.write(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		return ctx.Err()
	case resp := <-respCh:
		if err := resp.Err(); err != nil {
			return err
		}
		if result == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	}
}

func (c *client) Subscribe(ctx context.Context, query string) (<-chan Event, error) {
	id := uuid.NewString()
	eventCh := make(chan Event, 16)

	// The stream must be registered before the subscribe frame goes out:
	// events reuse the request id and may arrive before the ack.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.subs[id] = eventCh
	c.mu.Unlock()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "subscribe",
		"params":  map[string]any{"query": query},
	}
	if err := c.write(req); err != nil {
		c.mu.Lock()
		if c.subs != nil {
			delete(c.subs, id)
		}
		c.mu.Unlock()
		return nil, err
	}

	return eventCh, nil
}

func (c *client) Close() error {
	c.teardown(ErrClientClosed)
	return nil
}
