package stats

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	streamBufferSize = 16
	streamPingPeriod = 30 * time.Second
	streamReadWait   = 90 * time.Second
	streamWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from other origins
	},
}

// streamClient is one websocket subscriber.
type streamClient struct {
	conn      *websocket.Conn
	writeChan chan []byte // buffered channel for async writes
	done      chan struct{}
	closeOnce sync.Once
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Stream broadcasts reports as JSON to websocket subscribers. Slow clients
// miss reports rather than block the aggregator.
type Stream struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	last    []byte
	logger  zerolog.Logger
}

// NewStream creates an empty hub.
func NewStream(logger zerolog.Logger) *Stream {
	return &Stream{
		clients: make(map[*streamClient]struct{}),
		logger:  logger.With().Str("component", "stream").Logger(),
	}
}

// Broadcast sends r to every subscriber.
func (s *Stream) Broadcast(r Report) {
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode report")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = data
	for c := range s.clients {
		select {
		case c.writeChan <- data:
		default:
			s.logger.Debug().Msg("Stream client buffer full, skipping report")
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (s *Stream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every subscriber.
func (s *Stream) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()

	for c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}
}

func (s *Stream) register(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
	if s.last != nil {
		c.writeChan <- s.last
	}
	s.logger.Debug().Int("clients", len(s.clients)).Msg("Stream client connected")
}

func (s *Stream) unregister(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.logger.Debug().Int("clients", len(s.clients)).Msg("Stream client disconnected")
	}
}

// ServeHTTP upgrades the request and streams reports until the client goes
// away. A new subscriber first receives the latest report.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &streamClient{
		conn:      conn,
		writeChan: make(chan []byte, streamBufferSize),
		done:      make(chan struct{}),
	}
	s.register(c)
	defer func() {
		s.unregister(c)
		c.close()
	}()

	go s.writeLoop(c)

	// Read loop only services control frames; subscribers send nothing.
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		return nil
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("Stream read error")
			}
			return
		}
	}
}

// writeLoop processes queued writes to avoid blocking the broadcaster.
func (s *Stream) writeLoop(c *streamClient) {
	pingTicker := time.NewTicker(streamPingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				c.close()
				return
			}
		case data := <-c.writeChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Msg("Stream write failed")
				c.close()
				return
			}
		}
	}
}
