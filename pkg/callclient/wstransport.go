package callclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "telecare-backend/pkg/errors"
)

// WSEngine is a websocket-backed Engine speaking the media gateway's JSON
// signaling protocol. Each Connection is one socket to the gateway; local
// tracks carry no device capture here, they mirror publish/mute state onto
// the wire.
type WSEngine struct {
	gatewayURL  string
	dialTimeout time.Duration
	log         *zap.Logger
}

// NewWSEngine creates an engine dialing the given gateway base URL
// (ws:// or wss://, no trailing slash).
func NewWSEngine(gatewayURL string, log *zap.Logger) *WSEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSEngine{
		gatewayURL:  gatewayURL,
		dialTimeout: 10 * time.Second,
		log:         log,
	}
}

// NewConnection creates a disconnected gateway connection
func (e *WSEngine) NewConnection() Connection {
	return &wsConnection{
		engine:   e,
		state:    ConnDisconnected,
		handlers: make(map[EventType]EventHandler),
	}
}

// CreateMicrophoneTrack returns an audio track bound to this engine
func (e *WSEngine) CreateMicrophoneTrack(ctx context.Context) (LocalTrack, error) {
	return &wsTrack{kind: MediaAudio, enabled: true}, nil
}

// CreateCameraTrack returns a video track bound to this engine
func (e *WSEngine) CreateCameraTrack(ctx context.Context) (LocalTrack, error) {
	return &wsTrack{kind: MediaVideo, enabled: true}, nil
}

// CreateScreenTrack returns a screen track with the given capture config
func (e *WSEngine) CreateScreenTrack(ctx context.Context, cfg ScreenConfig) (LocalTrack, error) {
	cfg = cfg.withDefaults()
	return &wsTrack{kind: MediaScreen, enabled: true, screenCfg: cfg}, nil
}

// gatewayMessage is the wire frame exchanged with the media gateway
type gatewayMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Token     string    `json:"token,omitempty"`
	AppID     string    `json:"app_id,omitempty"`
	UID       uint32    `json:"uid,omitempty"`
	Media     MediaType `json:"media,omitempty"`
	Profile   string    `json:"profile,omitempty"`
	Muted     bool      `json:"muted,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

const (
	gwTypeJoin          = "join"
	gwTypeJoined        = "joined"
	gwTypeLeave         = "leave"
	gwTypePublish       = "publish"
	gwTypeUnpublish     = "unpublish"
	gwTypeSubscribe     = "subscribe"
	gwTypeMute          = "mute"
	gwTypeRenewToken    = "renew_token"
	gwTypeUserJoined    = "user_joined"
	gwTypeUserLeft      = "user_left"
	gwTypeUserPublished = "user_published"
	gwTypeUserUnpub     = "user_unpublished"
	gwTypeTokenExpiring = "token_will_expire"
	gwTypeTokenExpired  = "token_expired"
	gwTypeError         = "error"
)

type wsConnection struct {
	engine *WSEngine

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnectionState
	handlers map[EventType]EventHandler
	joinAck  chan error
	done     chan struct{}
}

func (c *wsConnection) Join(ctx context.Context, appID, sessionID, token string, uid uint32) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("connection already joined")
	}
	c.setStateLocked(ConnConnecting)
	c.mu.Unlock()

	u, err := url.Parse(c.engine.gatewayURL + "/rtc")
	if err != nil {
		c.failJoin()
		return fmt.Errorf("invalid gateway url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.engine.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.failJoin()
		return fmt.Errorf("failed to dial media gateway: %w", err)
	}

	joinAck := make(chan error, 1)
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.joinAck = joinAck
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)

	if err := c.send(gatewayMessage{
		Type:      gwTypeJoin,
		SessionID: sessionID,
		AppID:     appID,
		Token:     token,
		UID:       uid,
	}); err != nil {
		c.teardown()
		c.failJoin()
		return err
	}

	select {
	case err := <-joinAck:
		if err != nil {
			c.teardown()
			c.failJoin()
			return err
		}
	case <-ctx.Done():
		c.teardown()
		c.failJoin()
		return fmt.Errorf("join timed out: %w", ctx.Err())
	}

	c.mu.Lock()
	c.setStateLocked(ConnConnected)
	c.mu.Unlock()
	return nil
}

func (c *wsConnection) Leave(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := c.send(gatewayMessage{Type: gwTypeLeave}); err != nil {
		c.engine.log.Debug("failed to send leave frame", zap.Error(err))
	}
	c.teardown()
	c.mu.Lock()
	c.setStateLocked(ConnDisconnected)
	c.mu.Unlock()
	return nil
}

func (c *wsConnection) Publish(ctx context.Context, tracks ...LocalTrack) error {
	for _, t := range tracks {
		wt, ok := t.(*wsTrack)
		if !ok {
			return fmt.Errorf("track was not created by this engine")
		}
		msg := gatewayMessage{Type: gwTypePublish, Media: wt.Kind()}
		if wt.Kind() == MediaScreen {
			msg.Profile = string(wt.screenCfg.Profile)
		}
		if err := c.send(msg); err != nil {
			return fmt.Errorf("failed to publish %s track: %w", wt.Kind(), err)
		}
		wt.attach(c)
	}
	return nil
}

func (c *wsConnection) Unpublish(ctx context.Context, tracks ...LocalTrack) error {
	for _, t := range tracks {
		wt, ok := t.(*wsTrack)
		if !ok {
			return fmt.Errorf("track was not created by this engine")
		}
		if err := c.send(gatewayMessage{Type: gwTypeUnpublish, Media: wt.Kind()}); err != nil {
			return fmt.Errorf("failed to unpublish %s track: %w", wt.Kind(), err)
		}
		wt.detach()
	}
	return nil
}

func (c *wsConnection) Subscribe(ctx context.Context, uid uint32, media MediaType) error {
	return c.send(gatewayMessage{Type: gwTypeSubscribe, UID: uid, Media: media})
}

func (c *wsConnection) RenewToken(ctx context.Context, token string) error {
	return c.send(gatewayMessage{Type: gwTypeRenewToken, Token: token})
}

func (c *wsConnection) On(event EventType, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *wsConnection) Off(event EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

func (c *wsConnection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *wsConnection) send(msg gatewayMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("connection is not joined")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode gateway message: %w", err)
	}

	// gorilla permits one concurrent writer; serialize under the lock
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection is not joined")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConnection) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			abnormal := c.conn != nil
			if abnormal {
				c.setStateLocked(ConnFailed)
			}
			c.mu.Unlock()
			if abnormal {
				c.engine.log.Warn("gateway connection lost", zap.Error(err))
			}
			return
		}

		var msg gatewayMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.engine.log.Warn("failed to decode gateway message", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *wsConnection) dispatch(msg gatewayMessage) {
	switch msg.Type {
	case gwTypeJoined:
		c.ackJoin(nil)
	case gwTypeError:
		c.ackJoin(apperrors.NewWithStatus(apperrors.ErrorCode(msg.Code), msg.Message, 502))
	case gwTypeUserJoined:
		c.emit(Event{Type: EventUserJoined, UID: msg.UID})
	case gwTypeUserLeft:
		c.emit(Event{Type: EventUserLeft, UID: msg.UID})
	case gwTypeUserPublished:
		c.emit(Event{Type: EventUserPublished, UID: msg.UID, Media: msg.Media})
	case gwTypeUserUnpub:
		c.emit(Event{Type: EventUserUnpublished, UID: msg.UID, Media: msg.Media})
	case gwTypeTokenExpiring:
		c.emit(Event{Type: EventTokenWillExpire})
	case gwTypeTokenExpired:
		c.emit(Event{Type: EventTokenExpired})
	default:
		c.engine.log.Debug("ignoring gateway message", zap.String("type", msg.Type))
	}
}

func (c *wsConnection) ackJoin(err error) {
	c.mu.Lock()
	ack := c.joinAck
	c.joinAck = nil
	c.mu.Unlock()
	if ack != nil {
		ack <- err
	} else if err != nil {
		c.engine.log.Warn("gateway error", zap.Error(err))
	}
}

// setStateLocked updates state and emits the change. The handler runs
// with the lock held, so Connection handlers must not call back in.
func (c *wsConnection) setStateLocked(st ConnectionState) {
	if c.state == st {
		return
	}
	c.state = st
	if h, ok := c.handlers[EventConnectionStateChanged]; ok {
		go h(Event{Type: EventConnectionStateChanged, ConnState: st})
	}
}

func (c *wsConnection) emit(ev Event) {
	c.mu.Lock()
	h, ok := c.handlers[ev.Type]
	c.mu.Unlock()
	if ok {
		h(ev)
	}
}

func (c *wsConnection) failJoin() {
	c.mu.Lock()
	c.setStateLocked(ConnDisconnected)
	c.mu.Unlock()
}

func (c *wsConnection) teardown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.joinAck = nil
	c.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// wsTrack mirrors local media state onto the gateway connection it is
// published to. Mute state is signaled, never capture-stopped, so
// re-enabling is instant.
type wsTrack struct {
	kind      MediaType
	screenCfg ScreenConfig

	mu      sync.Mutex
	enabled bool
	conn    *wsConnection
	closed  bool
}

func (t *wsTrack) Kind() MediaType { return t.kind }

func (t *wsTrack) SetEnabled(ctx context.Context, enabled bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("track is closed")
	}
	t.enabled = enabled
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.send(gatewayMessage{Type: gwTypeMute, Media: t.kind, Muted: !enabled})
}

func (t *wsTrack) Stop() {
	t.mu.Lock()
	t.enabled = false
	t.mu.Unlock()
}

func (t *wsTrack) Close() {
	t.mu.Lock()
	t.closed = true
	t.conn = nil
	t.mu.Unlock()
}

func (t *wsTrack) attach(c *wsConnection) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

func (t *wsTrack) detach() {
	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
}
