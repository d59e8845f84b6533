package mcp

import "sync"

// SessionRegistry remembers which MCP session each agent last spoke on.
// Tool handlers feed it from the agent_id argument; a later registration
// for the same agent replaces the old one, which covers reconnects.
type SessionRegistry struct {
	mu      sync.RWMutex
	byAgent map[string]string
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byAgent: make(map[string]string)}
}

func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	r.byAgent[agentID] = sessionID
	r.mu.Unlock()
}

// SessionFor reports the agent's current session, if any.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAgent[agentID]
	return id, ok
}

// Remove drops every agent bound to the disconnected session.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for agent, session := range r.byAgent {
		if session == sessionID {
			delete(r.byAgent, agent)
		}
	}
}
