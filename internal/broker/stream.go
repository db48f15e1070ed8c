package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"longbridge-quant-bot/internal/metrics"
)

// EventOrderChanged is the push topic for order updates
const EventOrderChanged = "order_changed"

// PushMessage is the envelope of every push frame
type PushMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// PushStreamConfig configures the order push connection
type PushStreamConfig struct {
	URL                  string        `json:"url"`
	Token                string        `json:"-"`
	HandshakeTimeout     time.Duration `json:"handshake_timeout"`
	ReconnectMaxInterval time.Duration `json:"reconnect_max_interval"`
}

// PushStream delivers brokerage order updates to a handler, one at a time
// in the order they arrive. It reconnects with exponential backoff until
// its context is cancelled.
type PushStream struct {
	cfg     PushStreamConfig
	handler func(OrderSnapshot)
	dialer  *websocket.Dialer
	logger  zerolog.Logger

	mu         sync.Mutex
	connected  atomic.Bool
	received   int64
	invalid    int64
	reconnects int64
	lastEvent  time.Time
}

// NewPushStream creates a stream; Run connects it
func NewPushStream(cfg PushStreamConfig, handler func(OrderSnapshot), logger zerolog.Logger) *PushStream {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectMaxInterval <= 0 {
		cfg.ReconnectMaxInterval = 30 * time.Second
	}
	return &PushStream{
		cfg:     cfg,
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:  logger.With().Str("component", "PushStream").Logger(),
	}
}

// Run connects and reads until ctx is done
func (s *PushStream) Run(ctx context.Context) error {
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.connected.Store(true)
		s.logger.Info().Msg("Push stream connected")

		s.readLoop(ctx, conn)
		s.connected.Store(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
		s.logger.Warn().Msg("Push stream connection lost, reconnecting")
	}
}

func (s *PushStream) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = s.cfg.ReconnectMaxInterval
	exp.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		c, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Push stream dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(exp, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *PushStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("Push stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *PushStream) handleMessage(message []byte) {
	var msg PushMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.markInvalid(err, "Failed to parse push frame")
		return
	}
	if msg.Event != EventOrderChanged {
		return
	}

	var raw RawOrder
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		s.markInvalid(err, "Failed to parse order push")
		return
	}
	snap, err := ParseOrderSnapshot(raw)
	if err != nil {
		s.markInvalid(err, "Rejected order push")
		return
	}

	s.mu.Lock()
	s.received++
	s.lastEvent = time.Now()
	s.mu.Unlock()

	s.handler(snap)
}

func (s *PushStream) markInvalid(err error, msg string) {
	s.mu.Lock()
	s.invalid++
	s.mu.Unlock()
	metrics.PushEvents.WithLabelValues("invalid").Inc()
	s.logger.Warn().Err(err).Msg(msg)
}

// IsConnected reports whether a connection is currently open
func (s *PushStream) IsConnected() bool {
	return s.connected.Load()
}

// GetStats returns stream counters
func (s *PushStream) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"connected":  s.connected.Load(),
		"received":   s.received,
		"invalid":    s.invalid,
		"reconnects": s.reconnects,
		"last_event": s.lastEvent,
	}
}

// EncodeOrderPush renders an order update as a push frame
func EncodeOrderPush(snap OrderSnapshot) ([]byte, error) {
	data, err := json.Marshal(snap.ToRaw())
	if err != nil {
		return nil, err
	}
	return json.Marshal(PushMessage{Event: EventOrderChanged, Data: data})
}
