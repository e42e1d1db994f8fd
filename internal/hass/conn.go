// Package hass is a Home Assistant WebSocket API client.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotConnected is returned for requests made while no session is up.
	ErrNotConnected = errors.New("home assistant not connected")

	// ErrDisconnected fails requests still pending when the session drops.
	ErrDisconnected = errors.New("home assistant connection lost")

	// ErrAuthFailed is returned when the access token is rejected.
	ErrAuthFailed = errors.New("home assistant authentication failed")

	// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
	ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")
)

// ResultError is a failed command result.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResultError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrorCode returns the Home Assistant error code.
func (e *ResultError) ErrorCode() string {
	return e.Code
}

// Config contains connection and reconnection settings.
type Config struct {
	URL            string        // ws://host:8123/api/websocket
	Token          string        // long-lived access token
	RequestTimeout time.Duration // per-request timeout
	PingInterval   time.Duration // 0 disables heartbeats
	MinBackoff     time.Duration // Minimum backoff between reconnects
	MaxBackoff     time.Duration // Maximum backoff between reconnects
	Multiplier     float64       // Backoff multiplier
	MaxReconnects  int           // Max reconnect attempts, 0 = infinite
}

// DefaultConfig returns sensible defaults for everything but URL and Token.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		MinBackoff:     1 * time.Second,
		MaxBackoff:     2 * time.Minute,
		Multiplier:     2.0,
		MaxReconnects:  0, // infinite
	}
}

// message is the envelope of everything the server sends.
type message struct {
	ID      int             `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *ResultError    `json:"error"`
	Event   *struct {
		EventType string          `json:"event_type"`
		Data      json.RawMessage `json:"data"`
	} `json:"event"`
	Message string `json:"message"`
}

type response struct {
	result json.RawMessage
	err    error
}

type subscription struct {
	key       uint64
	eventType string
	handler   func(json.RawMessage)
	serverID  int // 0 while not subscribed on the current session
}

// Conn is a self-healing Home Assistant session. Requests, subscriptions
// and service calls may be used from any goroutine; Run owns the socket.
type Conn struct {
	cfg    Config
	dialer *websocket.Dialer

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu        sync.Mutex
	ws        *websocket.Conn
	nextID    int
	pending   map[int]chan response
	subs      map[uint64]*subscription
	byServer  map[int]*subscription
	nextKey   uint64
	onConnect []func(ctx context.Context)
}

// New creates a connection; nothing is dialed until Run.
func New(cfg Config) *Conn {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultConfig().MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}

	return &Conn{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout},
		pending:  make(map[int]chan response),
		subs:     make(map[uint64]*subscription),
		byServer: make(map[int]*subscription),
	}
}

// OnConnect registers fn to run after every successful authentication and
// resubscription. Must be called before Run.
func (c *Conn) OnConnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// Connected reports whether a session is currently authenticated.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Run keeps a session alive with automatic reconnection until ctx is done.
// Returns ErrMaxReconnectsExceeded if max reconnects is exceeded.
func (c *Conn) Run(ctx context.Context) error {
	retryCount := 0
	currentBackoff := c.cfg.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			// Reset retry count and backoff after a session that got past auth
			retryCount = 0
			currentBackoff = c.cfg.MinBackoff
		}
		if errors.Is(err, ErrAuthFailed) {
			return err
		}

		retryCount++
		if c.cfg.MaxReconnects > 0 && retryCount > c.cfg.MaxReconnects {
			log.Error().
				Int("max_reconnects", c.cfg.MaxReconnects).
				Msg("Home Assistant: max reconnects exceeded, terminating")
			return ErrMaxReconnectsExceeded
		}

		log.Warn().
			Err(err).
			Dur("backoff", currentBackoff).
			Int("retry", retryCount).
			Int("max_reconnects", c.cfg.MaxReconnects).
			Msg("Home Assistant disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(currentBackoff):
		}

		// Calculate next backoff with multiplier, capped at max
		nextBackoff := time.Duration(float64(currentBackoff) * c.cfg.Multiplier)
		if nextBackoff > c.cfg.MaxBackoff {
			nextBackoff = c.cfg.MaxBackoff
		}
		currentBackoff = nextBackoff
	}
}

// session dials, authenticates and serves one connection until it drops.
func (c *Conn) session(ctx context.Context) (established bool, err error) {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, http.Header{})
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	if err := c.authenticate(ws); err != nil {
		ws.Close()
		return false, err
	}

	c.mu.Lock()
	c.ws = ws
	hooks := append([]func(context.Context){}, c.onConnect...)
	c.mu.Unlock()

	log.Info().Str("url", c.cfg.URL).Msg("Connected to Home Assistant")

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ws) }()

	c.resubscribe(ctx)
	for _, hook := range hooks {
		hook(ctx)
	}

	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case err = <-readErr:
			c.teardown(ws)
			return true, err
		case <-ctx.Done():
			c.teardown(ws)
			<-readErr
			return true, nil
		case <-ping:
			go func() {
				if _, err := c.SendMessage(ctx, map[string]any{"type": "ping"}); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("Home Assistant heartbeat failed")
					ws.Close()
				}
			}()
		}
	}
}

func (c *Conn) authenticate(ws *websocket.Conn) error {
	deadline := time.Now().Add(c.cfg.RequestTimeout)
	ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	var msg message
	if err := ws.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("unexpected %q before auth", msg.Type)
	}

	if err := c.write(ws, map[string]any{"type": "auth", "access_token": c.cfg.Token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	msg = message{}
	if err := ws.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	switch msg.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("%w: %s", ErrAuthFailed, msg.Message)
	default:
		return fmt.Errorf("unexpected %q during auth", msg.Type)
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		var msg message
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}

		switch msg.Type {
		case "result", "pong":
			c.resolve(msg)
		case "event":
			c.dispatch(msg)
		default:
			log.Trace().Str("type", msg.Type).Int("id", msg.ID).Msg("Unhandled message type")
		}
	}
}

func (c *Conn) resolve(msg message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	if msg.Type == "pong" || msg.Success {
		ch <- response{result: msg.Result}
		return
	}
	rerr := msg.Error
	if rerr == nil {
		rerr = &ResultError{Code: "unknown_error", Message: "request failed"}
	}
	ch <- response{err: rerr}
}

func (c *Conn) dispatch(msg message) {
	if msg.Event == nil {
		return
	}
	c.mu.Lock()
	sub, ok := c.byServer[msg.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.handler(msg.Event.Data)
}

// teardown forgets the socket and fails every pending request.
func (c *Conn) teardown(ws *websocket.Conn) {
	ws.Close()

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	pending := c.pending
	c.pending = make(map[int]chan response)
	c.byServer = make(map[int]*subscription)
	for _, sub := range c.subs {
		sub.serverID = 0
	}
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: ErrDisconnected}
	}
}

func (c *Conn) write(ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	return ws.WriteJSON(v)
}

// SendMessage sends one command and waits for its result. The id field is
// assigned here; msg is not modified.
func (c *Conn) SendMessage(ctx context.Context, msg map[string]any) (json.RawMessage, error) {
	out := make(map[string]any, len(msg)+1)
	for k, v := range msg {
		out[k] = v
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()
	out["id"] = id

	if err := c.write(ws, out); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send %v: %w", msg["type"], err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%v: %w", msg["type"], context.DeadlineExceeded)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) forget(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// SubscribeEvents registers handler for eventType. The subscription survives
// reconnects. Handlers run on the read goroutine and must not block.
func (c *Conn) SubscribeEvents(ctx context.Context, eventType string, handler func(json.RawMessage)) (func(), error) {
	c.mu.Lock()
	c.nextKey++
	sub := &subscription{key: c.nextKey, eventType: eventType, handler: handler}
	c.subs[sub.key] = sub
	connected := c.ws != nil
	c.mu.Unlock()

	if connected {
		if err := c.subscribe(ctx, sub); err != nil {
			// Retried on the next reconnect.
			log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to subscribe, will retry on reconnect")
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(sub) })
	}, nil
}

func (c *Conn) subscribe(ctx context.Context, sub *subscription) error {
	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	// Already live on this session (or released): a racing resubscribe and
	// SubscribeEvents must not register the same handler twice.
	if _, live := c.subs[sub.key]; !live || sub.serverID != 0 {
		c.mu.Unlock()
		return nil
	}
	// Reserve the id the request will use so early events find the handler.
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	sub.serverID = id
	c.byServer[id] = sub
	ws := c.ws
	c.mu.Unlock()

	if err := c.write(ws, map[string]any{"id": id, "type": "subscribe_events", "event_type": sub.eventType}); err != nil {
		c.dropServer(id)
		return err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			c.dropServer(id)
		}
		return res.err
	case <-timer.C:
		c.dropServer(id)
		return context.DeadlineExceeded
	case <-ctx.Done():
		c.dropServer(id)
		return ctx.Err()
	}
}

func (c *Conn) dropServer(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	if sub, ok := c.byServer[id]; ok {
		sub.serverID = 0
		delete(c.byServer, id)
	}
	c.mu.Unlock()
}

func (c *Conn) unsubscribe(sub *subscription) {
	c.mu.Lock()
	delete(c.subs, sub.key)
	serverID := sub.serverID
	if serverID != 0 {
		delete(c.byServer, serverID)
	}
	sub.serverID = 0
	connected := c.ws != nil
	c.mu.Unlock()

	if serverID == 0 || !connected {
		return
	}
	// Handlers may unsubscribe from the read goroutine, so never wait here.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if _, err := c.SendMessage(ctx, map[string]any{"type": "unsubscribe_events", "subscription": serverID}); err != nil {
			log.Debug().Err(err).Int("subscription", serverID).Msg("Failed to unsubscribe")
		}
	}()
}

func (c *Conn) resubscribe(ctx context.Context) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if err := c.subscribe(ctx, sub); err != nil {
			log.Warn().Err(err).Str("event_type", sub.eventType).Msg("Failed to resubscribe")
		}
	}
	if len(subs) > 0 {
		log.Debug().Int("subscriptions", len(subs)).Msg("Resubscribed to Home Assistant events")
	}
}

// CallService invokes domain.service with data as service_data.
func (c *Conn) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	_, err := c.SendMessage(ctx, map[string]any{
		"type":         "call_service",
		"domain":       domain,
		"service":      service,
		"service_data": data,
	})
	return err
}

// GetStates fetches every entity state.
func (c *Conn) GetStates(ctx context.Context) ([]EntityState, error) {
	raw, err := c.SendMessage(ctx, map[string]any{"type": "get_states"})
	if err != nil {
		return nil, err
	}
	var states []EntityState
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("failed to decode states: %w", err)
	}
	return states, nil
}
