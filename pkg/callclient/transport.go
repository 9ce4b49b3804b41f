// Package callclient owns the lifecycle of one media transport connection:
// acquire credential, join, publish and subscribe media, renew the
// credential in place, and guarantee resource cleanup on every exit path.
//
// The transport SDK is injected behind the Engine/Connection interfaces so
// transitions are testable without the real SDK.
package callclient

import "context"

// MediaType identifies a media kind on a track or event
type MediaType string

const (
	MediaAudio  MediaType = "audio"
	MediaVideo  MediaType = "video"
	MediaScreen MediaType = "screen"
)

// ConnectionState is the transport-level state of one connection
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnFailed       ConnectionState = "failed"
)

// EventType enumerates the transport events the state machine consumes
type EventType string

const (
	EventUserJoined             EventType = "user-joined"
	EventUserLeft               EventType = "user-left"
	EventUserPublished          EventType = "user-published"
	EventUserUnpublished        EventType = "user-unpublished"
	EventConnectionStateChanged EventType = "connection-state-changed"
	EventTokenWillExpire        EventType = "token-will-expire"
	EventTokenExpired           EventType = "token-expired"
)

// Event is one transport notification delivered to a registered handler
type Event struct {
	Type      EventType
	UID       uint32
	Media     MediaType
	ConnState ConnectionState
}

// EventHandler receives transport events. Handlers must not block.
type EventHandler func(Event)

// EncoderProfile is the closed set of supported video encoder profiles
type EncoderProfile string

const (
	Profile720p  EncoderProfile = "720p"
	Profile1080p EncoderProfile = "1080p"
)

// OptimizationMode is the closed set of encoder optimization hints
type OptimizationMode string

const (
	OptimizeDetail OptimizationMode = "detail"
	OptimizeMotion OptimizationMode = "motion"
)

// ScreenConfig configures screen capture. The zero value falls back to
// 1080p detail-optimized capture.
type ScreenConfig struct {
	Profile      EncoderProfile
	Optimization OptimizationMode
}

func (c ScreenConfig) withDefaults() ScreenConfig {
	if c.Profile == "" {
		c.Profile = Profile1080p
	}
	if c.Optimization == "" {
		c.Optimization = OptimizeDetail
	}
	return c
}

// LocalTrack is one locally captured media track
type LocalTrack interface {
	Kind() MediaType
	SetEnabled(ctx context.Context, enabled bool) error
	Stop()
	Close()
}

// Connection is one transport connection into a session
type Connection interface {
	Join(ctx context.Context, appID, sessionID, token string, uid uint32) error
	Leave(ctx context.Context) error
	Publish(ctx context.Context, tracks ...LocalTrack) error
	Unpublish(ctx context.Context, tracks ...LocalTrack) error
	Subscribe(ctx context.Context, uid uint32, media MediaType) error
	RenewToken(ctx context.Context, token string) error
	On(event EventType, handler EventHandler)
	Off(event EventType)
	State() ConnectionState
}

// Engine creates connections and captures local media. Track creation
// crosses into device APIs and may fail with a permission error.
type Engine interface {
	NewConnection() Connection
	CreateMicrophoneTrack(ctx context.Context) (LocalTrack, error)
	CreateCameraTrack(ctx context.Context) (LocalTrack, error)
	CreateScreenTrack(ctx context.Context, cfg ScreenConfig) (LocalTrack, error)
}
