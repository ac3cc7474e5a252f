package identity

import "sync"

// KeyStore persists public keys and revocation status only. Private keys
// remain process-local and never reach a store implementation.
type KeyStore interface {
	Put(ident AgentIdentity) error
	SetStatus(agentID string, status Status) error
	Get(agentID string) (AgentIdentity, bool, error)
	List() ([]AgentIdentity, error)
}

// MemoryKeyStore is the in-process KeyStore used by tests and single-node
// deployments.
type MemoryKeyStore struct {
	mu     sync.RWMutex
	idents map[string]AgentIdentity
}

// NewMemoryKeyStore creates an empty MemoryKeyStore.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{idents: make(map[string]AgentIdentity)}
}

// Put stores or replaces the public identity.
func (s *MemoryKeyStore) Put(ident AgentIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idents[ident.AgentID] = ident
	return nil
}

// SetStatus updates revocation status for an existing identity.
func (s *MemoryKeyStore) SetStatus(agentID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.idents[agentID]
	if !ok {
		return nil
	}
	ident.Status = status
	s.idents[agentID] = ident
	return nil
}

// Get returns the stored identity, if any.
func (s *MemoryKeyStore) Get(agentID string) (AgentIdentity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.idents[agentID]
	return ident, ok, nil
}

// List returns all stored identities.
func (s *MemoryKeyStore) List() ([]AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentIdentity, 0, len(s.idents))
	for _, ident := range s.idents {
		out = append(out, ident)
	}
	return out, nil
}
