package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSClient opens push-stream subscriptions against a websocket endpoint.
type WSClient struct {
	url          string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewWSClient creates a websocket client. A zero pingInterval disables heartbeats.
func NewWSClient(url string, timeout, pingInterval time.Duration, logger *zap.Logger) *WSClient {
	dialer := *websocket.DefaultDialer
	if timeout > 0 {
		dialer.HandshakeTimeout = timeout
	}
	return &WSClient{
		url:          url,
		dialer:       &dialer,
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// Subscription is one open push-stream connection.
type Subscription struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// Subscribe dials the stream, sends the subscription request and starts the
// reader. onMessage receives every data message; onClose is called once if the
// connection drops for any reason other than Close or ctx cancellation.
// The subscription is confirmed open when Subscribe returns nil.
func (c *WSClient) Subscribe(ctx context.Context, req StreamRequest,
	onMessage func([]byte), onClose func(error)) (*Subscription, error) {

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", c.url, err)
	}

	subMsg := map[string]any{
		"op":   "subscribe",
		"args": []StreamRequest{req},
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("websocket subscribe failed: %w", err)
	}
	c.logger.Info("WebSocket subscribed",
		zap.String("url", c.url),
		zap.String("symbol", req.Symbol),
		zap.Stringer("interval", req.Interval))

	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: c.logger,
	}

	// Close connection on context cancellation.
	go func() {
		<-subCtx.Done()
		conn.Close()
	}()

	if c.pingInterval > 0 {
		go s.heartbeat(subCtx, c.pingInterval)
	}
	go s.listen(subCtx, onMessage, onClose)

	return s, nil
}

// Done is closed once the reader has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close sends a close frame, tears down the connection and waits for the
// reader to exit. No callback fires after Close returns.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.cancel()
	})
	<-s.done
	return nil
}

func (s *Subscription) listen(ctx context.Context, onMessage func([]byte), onClose func(error)) {
	defer close(s.done)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("WebSocket read error", zap.Error(err))
			s.cancel()
			if onClose != nil {
				onClose(err)
			}
			return
		}

		if s.handleControl(msg) {
			continue
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

// handleControl reports whether msg is a control frame (ack, pong, error).
func (s *Subscription) handleControl(msg []byte) bool {
	var ctl controlMessage
	if err := json.Unmarshal(msg, &ctl); err != nil || ctl.Op == "" {
		return false
	}
	if ctl.Success != nil && !*ctl.Success {
		s.logger.Warn("stream rejected request", zap.String("op", ctl.Op), zap.String("msg", ctl.RetMsg))
	}
	return true
}

func (s *Subscription) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteJSON(map[string]string{"op": "ping"})
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
