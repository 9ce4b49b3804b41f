package callclient

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "telecare-backend/pkg/errors"
)

// State is the lifecycle state of a CallSession
type State string

const (
	StateIdle      State = "idle"
	StateAcquiring State = "acquiring"
	StateJoining   State = "joining"
	StateJoined    State = "joined"
	StateLeaving   State = "leaving"
	StateLeft      State = "left"
	StateFailed    State = "failed"
)

// FailureReason explains a terminal Failed state
type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonMeetingNotStarted FailureReason = "meeting_not_started"
	ReasonMeetingEnded      FailureReason = "meeting_ended"
	ReasonCredentialFetch   FailureReason = "credential_fetch_failed"
	ReasonJoinFailed        FailureReason = "join_failed"
	ReasonTransportFailure  FailureReason = "transport_failure"
)

// RemoteParticipant is a snapshot of one remote participant's published media
type RemoteParticipant struct {
	UID      uint32
	HasAudio bool
	HasVideo bool
}

// Config wires a CallSession to its session, transport, and callbacks.
// Only SessionID, Engine, and Credentials are required.
type Config struct {
	SessionID   string
	Engine      Engine
	Credentials CredentialFetcher
	Reporter    NoShowReporter
	Logger      *zap.Logger

	// DebounceInterval collapses bursts of remote-media events into one
	// participant-list recompute. Defaults to 100ms.
	DebounceInterval time.Duration

	// RenewalMargin is how long before credential expiry renewal fires.
	// Defaults to 60s; the renewal delay never drops below MinRenewalDelay
	// (default 10s).
	RenewalMargin   time.Duration
	MinRenewalDelay time.Duration

	// NoShowThreshold is how long the remote side may stay absent after
	// join before CounterpartAbsent reports true. Defaults to 15 minutes.
	NoShowThreshold time.Duration

	// CallTimeout bounds credential fetches and transport joins.
	// Defaults to 15s.
	CallTimeout time.Duration

	// OnRemoteParticipants receives the debounced remote participant set,
	// sorted by UID. OnStateChange and OnError receive lifecycle
	// transitions and recoverable errors. All callbacks run outside the
	// session lock and may call back into the session.
	OnRemoteParticipants func([]RemoteParticipant)
	OnStateChange        func(State)
	OnError              func(error)
}

const (
	defaultDebounceInterval = 100 * time.Millisecond
	defaultRenewalMargin    = 60 * time.Second
	defaultMinRenewalDelay  = 10 * time.Second
	defaultNoShowThreshold  = 15 * time.Minute
	defaultCallTimeout      = 15 * time.Second

	// Primary participant identifiers are drawn below this bound; the
	// screen-share sub-session draws from a disjoint range above it.
	primaryUIDBound = 1_000_000_000
)

// CallSession drives one participant through a session: acquire a
// credential, join, publish local media on demand, track remote
// participants, renew the credential in place, and tear everything down
// exactly once on leave. All methods are safe for concurrent use.
type CallSession struct {
	cfg Config
	log *zap.Logger

	mu            sync.Mutex
	state         State
	failureReason FailureReason
	uid           uint32
	appID         string
	conn          Connection

	micTrack LocalTrack
	camTrack LocalTrack
	micBusy  bool
	camBusy  bool

	remotes       map[uint32]*RemoteParticipant
	debounceTimer *time.Timer
	renewalTimer  *time.Timer
	renewing      bool

	remoteEmptySince time.Time
	remoteEverSeen   bool

	screen *screenShare
	// pendingScreenUID is the identity reserved for a screen-share start
	// still in flight, so its echoes are filterable before s.screen exists
	pendingScreenUID uint32
	screenBusy       bool

	randUID func(bound uint32) uint32
	now     func() time.Time
}

// NewCallSession creates an idle session. Call Join to connect.
func NewCallSession(cfg Config) *CallSession {
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = defaultDebounceInterval
	}
	if cfg.RenewalMargin <= 0 {
		cfg.RenewalMargin = defaultRenewalMargin
	}
	if cfg.MinRenewalDelay <= 0 {
		cfg.MinRenewalDelay = defaultMinRenewalDelay
	}
	if cfg.NoShowThreshold <= 0 {
		cfg.NoShowThreshold = defaultNoShowThreshold
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &CallSession{
		cfg:     cfg,
		log:     log.With(zap.String("session_id", cfg.SessionID)),
		state:   StateIdle,
		remotes: make(map[uint32]*RemoteParticipant),
		randUID: func(bound uint32) uint32 { return uint32(rand.Int63n(int64(bound))) },
		now:     time.Now,
	}
}

// State returns the current lifecycle state
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailureReason returns why the session failed, or empty if it has not
func (s *CallSession) FailureReason() FailureReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureReason
}

// UID returns the participant identifier chosen at join. Zero before join.
func (s *CallSession) UID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

// Join acquires a credential and connects. Calling Join while the session
// is anywhere past Idle is a no-op, so a double invocation cannot open a
// second transport connection.
func (s *CallSession) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = StateAcquiring
	s.uid = s.randUID(primaryUIDBound)
	uid := s.uid
	s.mu.Unlock()
	s.notifyState(StateAcquiring)

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	cred, err := s.cfg.Credentials.Fetch(fetchCtx, s.cfg.SessionID, uid)
	cancel()
	if err != nil {
		s.fail(reasonForCredentialError(err))
		return err
	}

	s.mu.Lock()
	if s.state != StateAcquiring {
		// Torn down while the fetch was in flight
		s.mu.Unlock()
		return nil
	}
	s.state = StateJoining
	s.appID = cred.AppID
	conn := s.cfg.Engine.NewConnection()
	s.conn = conn
	s.mu.Unlock()
	s.notifyState(StateJoining)

	// Handlers attach before join so an early remote event cannot slip
	// past the participant bookkeeping.
	s.bindHandlers(conn)

	joinCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	err = conn.Join(joinCtx, cred.AppID, s.cfg.SessionID, cred.Token, uid)
	cancel()
	if err != nil {
		s.detachHandlers(conn)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.fail(ReasonJoinFailed)
		return apperrors.TransportJoinError("failed to join session", err)
	}

	s.mu.Lock()
	if s.state != StateJoining {
		s.mu.Unlock()
		return nil
	}
	s.state = StateJoined
	s.remoteEmptySince = s.now()
	s.scheduleRenewalLocked(cred.ExpiresIn)
	s.mu.Unlock()
	s.notifyState(StateJoined)

	s.log.Info("joined session", zap.Uint32("uid", uid))
	return nil
}

// SetMicrophoneEnabled toggles the local microphone. The device track is
// captured and published lazily on first enable; later toggles flip the
// existing track without republishing. Disabling before any enable is a
// no-op.
func (s *CallSession) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	return s.setLocalMedia(ctx, enabled, &s.micTrack, &s.micBusy, s.cfg.Engine.CreateMicrophoneTrack)
}

// SetCameraEnabled toggles the local camera, with the same lazy-capture
// semantics as SetMicrophoneEnabled.
func (s *CallSession) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return s.setLocalMedia(ctx, enabled, &s.camTrack, &s.camBusy, s.cfg.Engine.CreateCameraTrack)
}

func (s *CallSession) setLocalMedia(ctx context.Context, enabled bool, slot *LocalTrack, busy *bool, create func(context.Context) (LocalTrack, error)) error {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return apperrors.InvalidInputError("session is not joined")
	}
	if *busy {
		// A publish for this control is already in flight
		s.mu.Unlock()
		return nil
	}
	track := *slot
	if track == nil && !enabled {
		s.mu.Unlock()
		return nil
	}
	*busy = true
	conn := s.conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		*busy = false
		s.mu.Unlock()
	}()

	if track != nil {
		return track.SetEnabled(ctx, enabled)
	}

	track, err := create(ctx)
	if err != nil {
		return err
	}
	if err := conn.Publish(ctx, track); err != nil {
		track.Stop()
		track.Close()
		return err
	}

	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		track.Stop()
		track.Close()
		return nil
	}
	*slot = track
	s.mu.Unlock()
	return nil
}

// MicrophoneEnabled reports whether a microphone track has been captured
func (s *CallSession) MicrophoneEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micTrack != nil
}

// CameraEnabled reports whether a camera track has been captured
func (s *CallSession) CameraEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camTrack != nil
}

// RemoteParticipants returns the current remote set, sorted by UID
func (s *CallSession) RemoteParticipants() []RemoteParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSnapshotLocked()
}

// CounterpartAbsent reports whether the counterpart has never shown up
// for at least the no-show threshold after join. A remote who joined and
// later left does not count as a no-show.
func (s *CallSession) CounterpartAbsent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined || s.remoteEverSeen || len(s.remotes) > 0 || s.remoteEmptySince.IsZero() {
		return false
	}
	return s.now().Sub(s.remoteEmptySince) >= s.cfg.NoShowThreshold
}

// Leave tears the session down in order: local tracks, screen share,
// transport leave, listeners, timers. Every step is guarded so a failing
// step never blocks the remaining ones, and a second Leave is a no-op.
func (s *CallSession) Leave(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateLeaving, StateLeft:
		s.mu.Unlock()
		return nil
	}
	s.state = StateLeaving
	conn := s.conn
	mic, cam := s.micTrack, s.camTrack
	screen := s.screen
	s.micTrack, s.camTrack = nil, nil
	s.screen = nil
	s.mu.Unlock()
	s.notifyState(StateLeaving)

	var tracks []LocalTrack
	if mic != nil {
		tracks = append(tracks, mic)
	}
	if cam != nil {
		tracks = append(tracks, cam)
	}
	if conn != nil && len(tracks) > 0 {
		if err := conn.Unpublish(ctx, tracks...); err != nil {
			s.log.Warn("failed to unpublish local tracks on leave", zap.Error(err))
		}
	}
	for _, t := range tracks {
		t.Stop()
		t.Close()
	}

	if screen != nil {
		if err := screen.stop(ctx, s.log); err != nil {
			s.log.Warn("failed to stop screen share on leave", zap.Error(err))
		}
	}

	if conn != nil {
		if err := conn.Leave(ctx); err != nil {
			s.log.Warn("failed to leave transport connection", zap.Error(err))
		}
		s.detachHandlers(conn)
	}

	s.mu.Lock()
	s.clearTimersLocked()
	s.remotes = make(map[uint32]*RemoteParticipant)
	s.conn = nil
	s.state = StateLeft
	s.mu.Unlock()
	s.notifyState(StateLeft)

	s.log.Info("left session")
	return nil
}

// LeaveWithNoShowReport reports the counterpart's absence before leaving.
// The report is best effort: a reporting failure is logged and teardown
// proceeds regardless.
func (s *CallSession) LeaveWithNoShowReport(ctx context.Context) error {
	s.mu.Lock()
	uid := s.uid
	reporter := s.cfg.Reporter
	s.mu.Unlock()

	if reporter != nil {
		reportCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		if err := reporter.ReportNoShow(reportCtx, s.cfg.SessionID, uid); err != nil {
			s.log.Warn("failed to report no-show", zap.Error(err))
		}
		cancel()
	}
	return s.Leave(ctx)
}

func (s *CallSession) bindHandlers(conn Connection) {
	conn.On(EventUserJoined, s.handleRemoteEvent)
	conn.On(EventUserLeft, s.handleRemoteEvent)
	conn.On(EventUserPublished, s.handleRemoteEvent)
	conn.On(EventUserUnpublished, s.handleRemoteEvent)
	conn.On(EventConnectionStateChanged, s.handleConnState)
	conn.On(EventTokenWillExpire, s.handleTokenExpiry)
	conn.On(EventTokenExpired, s.handleTokenExpiry)
}

func (s *CallSession) detachHandlers(conn Connection) {
	conn.Off(EventUserJoined)
	conn.Off(EventUserLeft)
	conn.Off(EventUserPublished)
	conn.Off(EventUserUnpublished)
	conn.Off(EventConnectionStateChanged)
	conn.Off(EventTokenWillExpire)
	conn.Off(EventTokenExpired)
}

func (s *CallSession) handleRemoteEvent(ev Event) {
	s.mu.Lock()
	if s.state != StateJoining && s.state != StateJoined {
		s.mu.Unlock()
		return
	}
	// The participant's own identifiers echo back from the transport;
	// neither the primary uid nor the screen-share uid (assigned or still
	// joining) is a counterpart.
	if s.isOwnUIDLocked(ev.UID) {
		s.mu.Unlock()
		return
	}
	conn := s.conn

	switch ev.Type {
	case EventUserJoined:
		if _, ok := s.remotes[ev.UID]; !ok {
			s.remotes[ev.UID] = &RemoteParticipant{UID: ev.UID}
		}
		s.remoteEverSeen = true
	case EventUserLeft:
		delete(s.remotes, ev.UID)
		if len(s.remotes) == 0 {
			s.remoteEmptySince = s.now()
		}
	case EventUserPublished:
		p, ok := s.remotes[ev.UID]
		if !ok {
			p = &RemoteParticipant{UID: ev.UID}
			s.remotes[ev.UID] = p
		}
		s.remoteEverSeen = true
		switch ev.Media {
		case MediaAudio:
			p.HasAudio = true
		case MediaVideo, MediaScreen:
			p.HasVideo = true
		}
	case EventUserUnpublished:
		if p, ok := s.remotes[ev.UID]; ok {
			switch ev.Media {
			case MediaAudio:
				p.HasAudio = false
			case MediaVideo, MediaScreen:
				p.HasVideo = false
			}
		}
	}
	s.scheduleDebounceLocked()
	s.mu.Unlock()

	if ev.Type == EventUserPublished && conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
		defer cancel()
		if err := conn.Subscribe(ctx, ev.UID, ev.Media); err != nil {
			s.log.Warn("failed to subscribe to remote media",
				zap.Uint32("uid", ev.UID),
				zap.String("media", string(ev.Media)),
				zap.Error(err))
		}
	}
}

func (s *CallSession) isOwnUIDLocked(uid uint32) bool {
	if uid == s.uid {
		return true
	}
	if s.screen != nil && uid == s.screen.uid {
		return true
	}
	return s.pendingScreenUID != 0 && uid == s.pendingScreenUID
}

// scheduleDebounceLocked resets the recompute timer so a burst of remote
// events produces a single participant-list notification.
func (s *CallSession) scheduleDebounceLocked() {
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(s.cfg.DebounceInterval, s.flushRemotes)
}

func (s *CallSession) flushRemotes() {
	s.mu.Lock()
	if s.state != StateJoined && s.state != StateJoining {
		s.mu.Unlock()
		return
	}
	if len(s.remotes) > 0 {
		s.remoteEverSeen = true
		s.remoteEmptySince = time.Time{}
	} else if s.remoteEmptySince.IsZero() {
		s.remoteEmptySince = s.now()
	}
	snapshot := s.remoteSnapshotLocked()
	cb := s.cfg.OnRemoteParticipants
	s.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

func (s *CallSession) remoteSnapshotLocked() []RemoteParticipant {
	out := make([]RemoteParticipant, 0, len(s.remotes))
	for _, p := range s.remotes {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (s *CallSession) handleConnState(ev Event) {
	s.log.Debug("connection state changed", zap.String("state", string(ev.ConnState)))
	if ev.ConnState != ConnFailed {
		return
	}
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.failureReason = ReasonTransportFailure
	s.clearTimersLocked()
	s.mu.Unlock()
	s.notifyState(StateFailed)
	s.emitError(apperrors.TransportJoinError("transport connection failed", nil))
}

func (s *CallSession) handleTokenExpiry(Event) {
	go s.renew()
}

// scheduleRenewalLocked arms the renewal timer at margin before expiry,
// clearing any previously armed timer first. The delay never drops below
// the minimum so a short-lived credential cannot cause a hot renew loop.
func (s *CallSession) scheduleRenewalLocked(expiresIn time.Duration) {
	if s.renewalTimer != nil {
		s.renewalTimer.Stop()
		s.renewalTimer = nil
	}
	delay := expiresIn - s.cfg.RenewalMargin
	if delay < s.cfg.MinRenewalDelay {
		delay = s.cfg.MinRenewalDelay
	}
	s.renewalTimer = time.AfterFunc(delay, s.renew)
}

// renew fetches a fresh credential and swaps it into the live connection
// without rejoining. Failure is recoverable: the session stays joined and
// another attempt is armed at the minimum delay.
func (s *CallSession) renew() {
	s.mu.Lock()
	if s.state != StateJoined || s.renewing {
		s.mu.Unlock()
		return
	}
	s.renewing = true
	conn := s.conn
	uid := s.uid
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()

	cred, err := s.cfg.Credentials.Fetch(ctx, s.cfg.SessionID, uid)
	if err == nil {
		err = conn.RenewToken(ctx, cred.Token)
	}

	s.mu.Lock()
	s.renewing = false
	if s.state != StateJoined {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.scheduleRenewalLocked(s.cfg.MinRenewalDelay + s.cfg.RenewalMargin)
		s.mu.Unlock()
		s.log.Warn("credential renewal failed", zap.Error(err))
		s.emitError(apperrors.RenewalFailureError(err))
		return
	}
	s.scheduleRenewalLocked(cred.ExpiresIn)
	s.mu.Unlock()
	s.log.Debug("credential renewed", zap.Int64("expires_in_s", int64(cred.ExpiresIn.Seconds())))
}

func (s *CallSession) clearTimersLocked() {
	if s.renewalTimer != nil {
		s.renewalTimer.Stop()
		s.renewalTimer = nil
	}
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
}

func (s *CallSession) fail(reason FailureReason) {
	s.mu.Lock()
	if s.state == StateLeaving || s.state == StateLeft {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.failureReason = reason
	s.clearTimersLocked()
	s.mu.Unlock()
	s.notifyState(StateFailed)
}

func (s *CallSession) notifyState(st State) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

func (s *CallSession) emitError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func reasonForCredentialError(err error) FailureReason {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeMeetingNotStarted:
		return ReasonMeetingNotStarted
	case apperrors.ErrCodeMeetingEnded:
		return ReasonMeetingEnded
	default:
		return ReasonCredentialFetch
	}
}
