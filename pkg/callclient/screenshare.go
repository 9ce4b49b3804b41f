package callclient

import (
	"context"

	"go.uber.org/zap"

	apperrors "telecare-backend/pkg/errors"
)

// Screen share joins the session as a second participant on its own
// connection, with its own credential and a uid drawn from a range
// disjoint from primary participants. Stopping it never disturbs the
// primary connection.

const (
	screenUIDBase  = 1_000_000
	screenUIDRange = 1_000_000
)

type screenShare struct {
	uid   uint32
	conn  Connection
	track LocalTrack
}

// stop releases the sub-session best effort: unpublish, release the
// capture track, leave. Each step is guarded independently.
func (sc *screenShare) stop(ctx context.Context, log *zap.Logger) error {
	var firstErr error
	if err := sc.conn.Unpublish(ctx, sc.track); err != nil {
		log.Warn("failed to unpublish screen track", zap.Error(err))
		firstErr = err
	}
	sc.track.Stop()
	sc.track.Close()
	if err := sc.conn.Leave(ctx); err != nil {
		log.Warn("failed to leave screen-share connection", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ScreenSharing reports whether a screen-share sub-session is active
func (s *CallSession) ScreenSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen != nil
}

// StartScreenShare captures the screen and joins the session as a second
// participant. A capture permission refusal surfaces to the caller and is
// never retried. While a start or stop is already in flight the call is a
// no-op, so rapid toggling cannot race two sub-sessions.
func (s *CallSession) StartScreenShare(ctx context.Context, cfg ScreenConfig) error {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return apperrors.InvalidInputError("session is not joined")
	}
	if s.screenBusy || s.screen != nil {
		s.mu.Unlock()
		return nil
	}
	s.screenBusy = true
	s.mu.Unlock()

	// The reserved uid clears with the busy flag: by then either s.screen
	// holds it or the start failed.
	defer func() {
		s.mu.Lock()
		s.screenBusy = false
		s.pendingScreenUID = 0
		s.mu.Unlock()
	}()

	track, err := s.cfg.Engine.CreateScreenTrack(ctx, cfg.withDefaults())
	if err != nil {
		// Typically a permission refusal; the user declined the capture
		// prompt and may try again explicitly.
		return err
	}

	uid := screenUIDBase + s.randUID(screenUIDRange)
	// Reserve the identity before anything crosses the network so an
	// echoed join/publish for it is never mistaken for a counterpart
	s.mu.Lock()
	s.pendingScreenUID = uid
	s.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	cred, err := s.cfg.Credentials.Fetch(fetchCtx, s.cfg.SessionID, uid)
	cancel()
	if err != nil {
		track.Stop()
		track.Close()
		return err
	}

	conn := s.cfg.Engine.NewConnection()
	joinCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	err = conn.Join(joinCtx, cred.AppID, s.cfg.SessionID, cred.Token, uid)
	cancel()
	if err != nil {
		track.Stop()
		track.Close()
		return apperrors.TransportJoinError("failed to join screen-share sub-session", err)
	}

	if err := conn.Publish(ctx, track); err != nil {
		track.Stop()
		track.Close()
		if leaveErr := conn.Leave(ctx); leaveErr != nil {
			s.log.Warn("failed to leave screen-share connection after publish failure", zap.Error(leaveErr))
		}
		return err
	}

	s.mu.Lock()
	if s.state != StateJoined {
		// Primary session tore down while we were joining
		s.mu.Unlock()
		sc := &screenShare{uid: uid, conn: conn, track: track}
		sc.stop(ctx, s.log)
		return nil
	}
	s.screen = &screenShare{uid: uid, conn: conn, track: track}
	s.mu.Unlock()

	s.log.Info("screen share started", zap.Uint32("screen_uid", uid))
	return nil
}

// StopScreenShare releases the sub-session. A no-op when no screen share
// is active or a toggle is already in flight.
func (s *CallSession) StopScreenShare(ctx context.Context) error {
	s.mu.Lock()
	if s.screenBusy || s.screen == nil {
		s.mu.Unlock()
		return nil
	}
	s.screenBusy = true
	sc := s.screen
	s.screen = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.screenBusy = false
		s.mu.Unlock()
	}()

	err := sc.stop(ctx, s.log)
	s.log.Info("screen share stopped", zap.Uint32("screen_uid", sc.uid))
	return err
}
