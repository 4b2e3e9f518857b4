// Package ibkr bridges the Interactive Brokers gateway over a websocket
// connection. One Gateway serves both the realtime and futures adapters; a
// dedicated reader goroutine owns the socket and public calls marshal
// request/response pairs through it by id.
package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mberan/vigil/internal/providers"
)

const (
	defaultHost    = "127.0.0.1"
	defaultPort    = 4002
	defaultTimeout = 10 * time.Second
)

// reconnectSettings shapes the exponential backoff after a dropped socket.
// Zero MaxAttempts retries forever.
type reconnectSettings struct {
	Enabled             bool    `json:"enabled"`
	InitialDelaySeconds float64 `json:"initial_delay"`
	MaxDelaySeconds     float64 `json:"max_delay"`
	BackoffFactor       float64 `json:"backoff_factor"`
	MaxAttempts         int     `json:"max_attempts"`
}

// gatewaySettings is the implementation blob stored on the provider row.
type gatewaySettings struct {
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	ClientIDBase   int               `json:"client_id_base"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Reconnect      reconnectSettings `json:"reconnect"`
}

func (s *gatewaySettings) applyDefaults() {
	if s.Host == "" {
		s.Host = defaultHost
	}
	if s.Port == 0 {
		s.Port = defaultPort
	}
	if s.Reconnect.InitialDelaySeconds <= 0 {
		s.Reconnect.InitialDelaySeconds = 2
	}
	if s.Reconnect.MaxDelaySeconds <= 0 {
		s.Reconnect.MaxDelaySeconds = 60
	}
	if s.Reconnect.BackoffFactor <= 1 {
		s.Reconnect.BackoffFactor = 2
	}
}

func (s gatewaySettings) url() string {
	return fmt.Sprintf("ws://%s:%d/ws", s.Host, s.Port)
}

func (s gatewaySettings) timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}

// request is one outbound frame.
type request struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// response is one inbound frame, matched to its request by id.
type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// caller is the surface the adapters need from the gateway. Split out so
// adapter tests can stub the transport.
type caller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	IsConnected() bool
	Close() error
}

// Gateway is the shared websocket connection to the IB gateway bridge.
type Gateway struct {
	cfg    gatewaySettings
	health *providers.Health
	log    zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan response
	connected bool
	closed    bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewGateway parses the settings blob and connects. A failed initial dial is
// an error; later drops are handled by the reconnect loop.
func NewGateway(settingsJSON string, log zerolog.Logger) (*Gateway, error) {
	var cfg gatewaySettings
	if settingsJSON != "" {
		if err := json.Unmarshal([]byte(settingsJSON), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse ibkr settings: %w", err)
		}
	}
	cfg.applyDefaults()

	g := &Gateway{
		cfg:     cfg,
		health:  providers.NewHealth("ibkr-gateway"),
		log:     log.With().Str("component", "ibkr_gateway").Logger(),
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
	}

	if err := g.connect(); err != nil {
		return nil, err
	}
	return g, nil
}

// connect dials the gateway and starts the reader goroutine.
func (g *Gateway) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.timeout())
	defer cancel()

	conn, _, err := websocket.Dial(ctx, g.cfg.url(), nil)
	if err != nil {
		g.health.MarkDown(err)
		return fmt.Errorf("failed to dial ibkr gateway at %s: %w", g.cfg.url(), err)
	}
	// Quote batches for a large watchlist can exceed the 32KB default.
	conn.SetReadLimit(1 << 20)

	g.mu.Lock()
	g.conn = conn
	g.connected = true
	g.mu.Unlock()

	g.health.RecordSuccess()
	g.log.Info().Str("url", g.cfg.url()).Msg("Connected to IBKR gateway")

	go g.readLoop(conn)
	return nil
}

// readLoop owns the socket: it is the only reader, dispatching responses to
// waiting callers. On error it fails all pending calls and hands off to the
// reconnect loop.
func (g *Gateway) readLoop(conn *websocket.Conn) {
	for {
		var resp response
		if err := wsjson.Read(context.Background(), conn, &resp); err != nil {
			g.onDisconnect(conn, err)
			return
		}

		g.mu.Lock()
		ch, ok := g.pending[resp.ID]
		if ok {
			delete(g.pending, resp.ID)
		}
		g.mu.Unlock()

		if ok {
			ch <- resp
		} else if resp.ID != "" {
			g.log.Debug().Str("id", resp.ID).Msg("Dropping response with no waiter")
		}
	}
}

// onDisconnect fails pending calls and starts reconnection unless Close
// was requested.
func (g *Gateway) onDisconnect(conn *websocket.Conn, cause error) {
	g.mu.Lock()
	if g.conn != conn {
		// A newer connection already replaced this one.
		g.mu.Unlock()
		return
	}
	g.conn = nil
	g.connected = false
	pending := g.pending
	g.pending = make(map[string]chan response)
	closed := g.closed
	g.mu.Unlock()

	for id, ch := range pending {
		ch <- response{ID: id, Error: "gateway disconnected"}
	}

	if closed {
		return
	}

	g.health.MarkDown(cause)
	g.log.Warn().Err(cause).Msg("IBKR gateway connection lost")

	if g.cfg.Reconnect.Enabled {
		go g.reconnectLoop()
	}
}

// reconnectLoop retries the dial with exponential backoff. Zero max_attempts
// retries until Close.
func (g *Gateway) reconnectLoop() {
	delay := time.Duration(g.cfg.Reconnect.InitialDelaySeconds * float64(time.Second))
	maxDelay := time.Duration(g.cfg.Reconnect.MaxDelaySeconds * float64(time.Second))

	for attempt := 1; ; attempt++ {
		if g.cfg.Reconnect.MaxAttempts > 0 && attempt > g.cfg.Reconnect.MaxAttempts {
			g.log.Error().Int("attempts", attempt-1).Msg("IBKR reconnect attempts exhausted")
			return
		}

		select {
		case <-g.done:
			return
		case <-time.After(delay):
		}

		g.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to IBKR gateway")
		if err := g.connect(); err == nil {
			return
		}

		delay = time.Duration(float64(delay) * g.cfg.Reconnect.BackoffFactor)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Call sends one request and waits for its response or context expiry.
func (g *Gateway) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	g.mu.Lock()
	conn := g.conn
	if conn == nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("ibkr gateway is not connected")
	}
	id := uuid.NewString()
	ch := make(chan response, 1)
	g.pending[id] = ch
	g.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.timeout())
	defer cancel()

	if err := wsjson.Write(callCtx, conn, request{ID: id, Method: method, Params: params}); err != nil {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
		g.health.RecordFailure(err)
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			err := fmt.Errorf("%s request failed: %s", method, resp.Error)
			g.health.RecordFailure(err)
			return nil, err
		}
		g.health.RecordSuccess()
		return resp.Result, nil
	case <-callCtx.Done():
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
		err := fmt.Errorf("%s request timed out: %w", method, callCtx.Err())
		g.health.RecordFailure(err)
		return nil, err
	case <-g.done:
		return nil, fmt.Errorf("ibkr gateway is shutting down")
	}
}

// IsConnected reports whether the socket is currently up.
func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Health returns the gateway availability snapshot.
func (g *Gateway) Health() providers.HealthSnapshot {
	return g.health.Snapshot()
}

// Close shuts the connection down. Idempotent; both adapters call it on
// factory disconnect.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		conn := g.conn
		g.conn = nil
		g.connected = false
		g.mu.Unlock()

		close(g.done)
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
		}
		g.log.Info().Msg("IBKR gateway connection closed")
	})
	return nil
}
