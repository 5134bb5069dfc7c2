// Package agents maintains the live WebSocket sessions of connected agents
// and the indexes mapping agent, fqdn, and host identities to them.
package agents

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sysmanage/sysmanage-server/internal/logging"
)

// sendBufferSize absorbs short outbound bursts. A session whose buffer is
// full is treated as stalled and the send fails; the queue row retries.
const sendBufferSize = 64

// writeTimeout bounds one WebSocket write.
const writeTimeout = 10 * time.Second

// ErrSessionClosed is returned by Send after the session shut down.
var ErrSessionClosed = errors.New("agent session closed")

// ErrSendBufferFull is returned when the outbound buffer is saturated.
var ErrSendBufferFull = errors.New("agent session send buffer full")

// Session is one agent connection. The identity fields start empty and are
// bound at registration; HostID stays empty until the host is approved.
// Reads are owned by the connection's single reader goroutine; writes are
// serialized through the writer goroutine draining sendCh.
type Session struct {
	AgentID string

	// Replay marks sessions that re-deliver recorded traffic; handlers
	// skip last_access bumps for them.
	Replay bool

	conn *websocket.Conn
	log  *logging.Logger

	mu       sync.RWMutex
	hostID   string
	fqdn     string
	ipv4     string
	ipv6     string
	platform string

	sendCh    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession wraps an accepted WebSocket connection and starts its writer
// goroutine.
func NewSession(conn *websocket.Conn, log *logging.Logger) *Session {
	s := &Session{
		AgentID: uuid.NewString(),
		conn:    conn,
		log:     log.With("component", "session"),
		sendCh:  make(chan []byte, sendBufferSize),
		closed:  make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// BindIdentity records the identity presented at registration.
func (s *Session) BindIdentity(fqdn, ipv4, ipv6, platform string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fqdn = fqdn
	s.ipv4 = ipv4
	s.ipv6 = ipv6
	s.platform = platform
}

// BindHost binds the approved host id. An empty id clears the binding.
func (s *Session) BindHost(hostID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostID = hostID
}

// HostID returns the bound host id, empty until approval.
func (s *Session) HostID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostID
}

// Identity returns the registration identity.
func (s *Session) Identity() (fqdn, ipv4, ipv6, platform string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fqdn, s.ipv4, s.ipv6, s.platform
}

// Send serializes v to JSON and queues it for the writer goroutine. It
// never blocks: a full buffer or a closed session returns an error and the
// caller decides whether to retry through the queue.
func (s *Session) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.sendCh <- payload:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the session down. Safe to call more than once and from any
// goroutine; the writer drains and the underlying socket closes.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// ReadMessage blocks on the next inbound frame, refreshing the read
// deadline first. Owned by the single reader goroutine.
func (s *Session) ReadMessage(idleTimeout time.Duration) ([]byte, error) {
	if idleTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return nil, err
		}
	}
	_, raw, err := s.conn.ReadMessage()
	return raw, err
}

func (s *Session) writeLoop() {
	for {
		select {
		case payload := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Debug("session write failed", "agent_id", s.AgentID, "error", err)
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}
