package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-streambatch/pkg/types"
	"github.com/rs/zerolog"
)

// WebSocketConfig holds settings for the WebSocket transport.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	// ReadLimit caps the size of a single inbound frame in bytes; 0 leaves
	// the library default in place.
	ReadLimit int64
}

// DefaultWebSocketConfig provides sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
	}
}

// WebSocket reads text and binary frames from a ws:// or wss:// endpoint.
type WebSocket struct {
	*lifecycle
	url    string
	path   string
	config WebSocketConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	wg     sync.WaitGroup
}

// NewWebSocket is the registry Factory for ws and wss addresses.
func NewWebSocket(addr *url.URL, logger zerolog.Logger) (Transport, error) {
	return NewWebSocketWithConfig(addr, DefaultWebSocketConfig(), logger), nil
}

// NewWebSocketWithConfig creates an unconnected WebSocket transport.
func NewWebSocketWithConfig(addr *url.URL, cfg WebSocketConfig, logger zerolog.Logger) *WebSocket {
	if cfg.HandshakeTimeout <= 0 {
		defaultCfg := DefaultWebSocketConfig()
		logger.Warn().
			Dur("provided_timeout", cfg.HandshakeTimeout).
			Dur("default_timeout", defaultCfg.HandshakeTimeout).
			Msg("HandshakeTimeout was zero or negative, applying default value.")
		cfg.HandshakeTimeout = defaultCfg.HandshakeTimeout
	}
	path := addr.Path
	if path == "" {
		path = "/"
	}
	return &WebSocket{
		lifecycle: newLifecycle(),
		url:       addr.String(),
		path:      path,
		config:    cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With().Str("transport", "websocket").Str("url", addr.Redacted()).Logger(),
	}
}

// Connect dials the endpoint and starts the read loop.
func (w *WebSocket) Connect(ctx context.Context, handler FrameHandler) error {
	w.logger.Info().Msg("Dialing WebSocket endpoint")
	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.config.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("websocket dial %s: %w", w.path, err)
		w.finish(err)
		return err
	}
	if w.config.ReadLimit > 0 {
		conn.SetReadLimit(w.config.ReadLimit)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	w.wg.Add(1)
	go w.readLoop(conn, handler)
	w.logger.Info().Msg("WebSocket connection open")
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn, handler FrameHandler) {
	defer w.wg.Done()
	var seq uint64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.isClosing() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Info().Msg("WebSocket connection closed")
				w.finish(nil)
				return
			}
			w.logger.Error().Err(err).Msg("WebSocket read failed, connection lost")
			w.finish(fmt.Errorf("websocket read: %w", err))
			return
		}
		seq++
		handler(types.Frame{
			ID:         strconv.FormatUint(seq, 10),
			Source:     w.path,
			Payload:    data,
			ReceivedAt: time.Now().UTC(),
		})
	}
}

// Close sends a normal-closure control frame and closes the socket.
func (w *WebSocket) Close() error {
	if !w.markClosing() {
		return nil
	}
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		w.finish(nil)
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		w.logger.Debug().Err(err).Msg("Could not send close frame")
	}
	err := conn.Close()
	w.wg.Wait()
	w.finish(nil)
	return err
}
