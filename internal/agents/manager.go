package agents

import (
	"context"
	"sync"

	"github.com/sysmanage/sysmanage-server/internal/events"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/metrics"
)

// HostStore is the narrow store surface the manager needs on disconnect.
type HostStore interface {
	MarkHostDown(ctx context.Context, id string) error
}

// Manager indexes live sessions three ways: by ephemeral agent id, by the
// fqdn presented at registration, and by bound host id. Reads dominate;
// writes happen on connect, registration, and disconnect.
type Manager struct {
	store HostStore
	bus   *events.Bus
	log   *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // agent_id -> session
	byFQDN   map[string]string   // fqdn -> agent_id
	byHost   map[string]string   // host_id -> agent_id
}

// NewManager builds an empty connection manager.
func NewManager(store HostStore, bus *events.Bus, log *logging.Logger) *Manager {
	return &Manager{
		store:    store,
		bus:      bus,
		log:      log.With("component", "agents"),
		sessions: make(map[string]*Session),
		byFQDN:   make(map[string]string),
		byHost:   make(map[string]string),
	}
}

// Add tracks a freshly accepted session, before registration.
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	m.sessions[s.AgentID] = s
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.AgentsConnected.Set(float64(n))
	m.log.Debug("session added", "agent_id", s.AgentID, "connected", n)
}

// RegisterAgent indexes a session under the identity it registered with. A
// stale session already holding the same fqdn or host id is closed and
// replaced: the newest connection wins after an agent restart.
func (m *Manager) RegisterAgent(agentID, hostID, fqdn string) {
	var stale *Session

	m.mu.Lock()
	s, ok := m.sessions[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if oldID, exists := m.byFQDN[fqdn]; exists && oldID != agentID {
		stale = m.sessions[oldID]
	}
	if hostID != "" {
		if oldID, exists := m.byHost[hostID]; exists && oldID != agentID {
			stale = m.sessions[oldID]
		}
		m.byHost[hostID] = agentID
		s.BindHost(hostID)
	}
	m.byFQDN[fqdn] = agentID
	m.mu.Unlock()

	if stale != nil {
		m.log.Info("replacing stale session", "fqdn", fqdn, "old_agent_id", stale.AgentID)
		stale.Close()
	}
	m.log.Info("agent registered", "agent_id", agentID, "fqdn", fqdn, "host_id", hostID)
}

// SendToHost serializes msg and writes it to the session bound to hostID.
// Returns false when no session is mapped or the write could not be queued.
func (m *Manager) SendToHost(hostID string, msg any) bool {
	m.mu.RLock()
	agentID, ok := m.byHost[hostID]
	var s *Session
	if ok {
		s = m.sessions[agentID]
	}
	m.mu.RUnlock()

	if s == nil {
		return false
	}
	if err := s.Send(msg); err != nil {
		m.log.Debug("send to host failed", "host_id", hostID, "error", err)
		return false
	}
	return true
}

// SessionByHost returns the live session bound to a host, or nil.
func (m *Manager) SessionByHost(hostID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if agentID, ok := m.byHost[hostID]; ok {
		return m.sessions[agentID]
	}
	return nil
}

// SessionByFQDN returns the live session that registered with the fqdn,
// or nil. Used to nudge a pending session after operator approval.
func (m *Manager) SessionByFQDN(fqdn string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if agentID, ok := m.byFQDN[fqdn]; ok {
		return m.sessions[agentID]
	}
	return nil
}

// IsConnected reports whether a host has a live session.
func (m *Manager) IsConnected(hostID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byHost[hostID]
	return ok
}

// ConnectedHostIDs snapshots the host ids with live sessions; the dispatch
// loop iterates it every tick.
func (m *Manager) ConnectedHostIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byHost))
	for hostID := range m.byHost {
		out = append(out, hostID)
	}
	return out
}

// Remove evicts a session from all indexes, closes it, and marks its host
// down. Active stays untouched: down is liveness, not deactivation.
func (m *Manager) Remove(ctx context.Context, agentID string) {
	m.mu.Lock()
	s, ok := m.sessions[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, agentID)
	fqdn, _, _, _ := s.Identity()
	hostID := s.HostID()
	if fqdn != "" && m.byFQDN[fqdn] == agentID {
		delete(m.byFQDN, fqdn)
	}
	if hostID != "" && m.byHost[hostID] == agentID {
		delete(m.byHost, hostID)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	s.Close()
	metrics.AgentsConnected.Set(float64(n))

	if hostID != "" {
		if err := m.store.MarkHostDown(ctx, hostID); err != nil {
			m.log.Error("marking host down", "host_id", hostID, "error", err)
		}
		m.bus.Publish(events.Event{
			Type: events.EventHostDown, HostID: hostID, FQDN: fqdn, Message: "agent disconnected",
		})
	}
	m.log.Info("session removed", "agent_id", agentID, "fqdn", fqdn, "connected", n)
}
