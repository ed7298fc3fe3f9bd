// Package userstream keeps the exchange user-data stream connected and turns
// its messages into local bookkeeping.
package userstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-engine/pkg/exchanges/common"
)

var errKeyExpired = errors.New("listen key expired")

// Handler consumes decoded events.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// Config tunes the session timers.
type Config struct {
	Keepalive      time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ReadTimeout    time.Duration
}

// Session owns the listen key and the websocket connection built on it.
type Session struct {
	keys    common.ListenKeyClient
	handler Handler
	backoff *Backoff
	dialer  *websocket.Dialer
	cfg     Config
	log     *zap.Logger

	mu  sync.Mutex
	key string
}

func NewSession(cfg Config, keys common.ListenKeyClient, handler Handler, log *zap.Logger) *Session {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 30 * time.Minute
	}
	if cfg.ReadTimeout <= 0 {
		// Binance pings every 3 minutes.
		cfg.ReadTimeout = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		keys:    keys,
		handler: handler,
		backoff: NewBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		cfg:     cfg,
		log:     log.Named("userstream"),
	}
}

// EnsureKey returns the cached listen key, creating one if needed.
func (s *Session) EnsureKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != "" {
		return s.key, nil
	}
	key, err := s.keys.CreateListenKey(ctx)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	s.key = key
	s.log.Info("listen key created")
	return key, nil
}

// Invalidate drops the cached key; the next EnsureKey creates a fresh one.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.key = ""
	s.mu.Unlock()
}

func (s *Session) currentKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// KeepaliveLoop extends the key periodically until ctx is done.
func (s *Session) KeepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.KeepaliveOnce(ctx); err != nil {
				s.log.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

// KeepaliveOnce extends the current key. A failure invalidates it.
func (s *Session) KeepaliveOnce(ctx context.Context) error {
	key := s.currentKey()
	if key == "" {
		return nil
	}
	if err := s.keys.KeepAliveListenKey(ctx, key); err != nil {
		s.Invalidate()
		return err
	}
	return nil
}

// Run connects, reads and dispatches until ctx is done, reconnecting with backoff.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errKeyExpired) {
			s.log.Warn("listen key expired, reconnecting")
			s.Invalidate()
			s.backoff.Reset()
			continue
		}

		wait := s.backoff.Next()
		s.log.Warn("user stream disconnected", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	key, err := s.EnsureKey(ctx)
	if err != nil {
		return err
	}
	conn, _, err := s.dialer.DialContext(ctx, s.keys.StreamURL(key), nil)
	if err != nil {
		return fmt.Errorf("dial user stream: %w", err)
	}
	defer conn.Close()
	s.backoff.Reset()
	s.log.Info("user stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		ev, err := Decode(msg)
		if err != nil {
			s.log.Warn("undecodable message", zap.Error(err), zap.ByteString("raw", msg))
			continue
		}
		if err := s.handler.Handle(ctx, ev); err != nil {
			s.log.Warn("event handling failed", zap.Error(err))
		}
		if _, ok := ev.(ListenKeyExpired); ok {
			return errKeyExpired
		}
	}
}
