// File: internal/automator/session.go
package automator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minseochh02/keyclick/internal/config"
	"github.com/minseochh02/keyclick/internal/keyboard"
)

// Session is the only mutable, long-lived state of a login attempt: the site
// configuration, the browser handle, the resolved shift coordinate, the
// per-attempt character map and the tracked shift state. It is owned
// exclusively by one attempt and torn down on every exit path.
type Session struct {
	ID      string
	Site    config.SiteConfig
	Browser Browser

	// ShiftCoord is nil when the site's keyboard has no shift key.
	ShiftCoord *keyboard.Point
	// ShiftState tracks the keyboard's current rendering: false is Lower.
	ShiftState bool
	// Map is rebuilt on every attempt; the keyboard re-randomizes per render.
	Map keyboard.CharacterMap

	logger *zap.Logger

	mu              sync.Mutex
	keepAliveCancel context.CancelFunc
	keepAliveDone   chan struct{}
}

func newSession(id string, site config.SiteConfig, b Browser, logger *zap.Logger) *Session {
	return &Session{
		ID:      id,
		Site:    site,
		Browser: b,
		logger:  logger.Named("session").With(zap.String("attempt_id", id[:8])),
	}
}

// startKeepAlive launches the periodic no-op interaction that prevents
// server-side session expiry. It runs independently of the state machine and
// only after login succeeded; Close stops it unconditionally.
func (s *Session) startKeepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepAliveCancel != nil {
		return // Already running.
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.keepAliveCancel = cancel
	s.keepAliveDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Browser.Evaluate(ctx, "void 0", nil); err != nil {
					s.logger.Warn("Keep-alive interaction failed; stopping task", zap.Error(err))
					return
				}
				s.logger.Debug("Keep-alive interaction sent")
			}
		}
	}()
	s.logger.Info("Keep-alive task started", zap.Duration("interval", interval))
}

// StopKeepAlive cancels the keep-alive task and waits for it to exit.
// Idempotent; safe to call when the task never started.
func (s *Session) StopKeepAlive() {
	s.mu.Lock()
	cancel := s.keepAliveCancel
	done := s.keepAliveDone
	s.keepAliveCancel = nil
	s.keepAliveDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		s.logger.Debug("Keep-alive task stopped")
	}
}

// Close releases everything the session owns. The browser page itself is
// closed by whoever opened it.
func (s *Session) Close() {
	s.StopKeepAlive()
	s.Map = nil
	s.ShiftCoord = nil
}
