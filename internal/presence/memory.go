package presence

import "sync"

// MemoryRegistry is the single-process registry. State is process-lifetime
// scoped and lost on restart, which is the intended at-most-one-process
// presence model; deployments with multiple instances use RedisRegistry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	byUser  map[string]Entry
	byConn  map[string]string // connection ID -> user ID
}

// NewMemoryRegistry initializes an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byUser: make(map[string]Entry),
		byConn: make(map[string]string),
	}
}

func (r *MemoryRegistry) Announce(entry Entry) bool {
	if entry.UserID == "" || entry.ConnectionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byUser[entry.UserID]; exists {
		return false
	}
	r.byUser[entry.UserID] = entry
	r.byConn[entry.ConnectionID] = entry.UserID
	return true
}

func (r *MemoryRegistry) Forget(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.byConn[connectionID]
	if !ok {
		return
	}
	delete(r.byConn, connectionID)
	if entry, ok := r.byUser[userID]; ok && entry.ConnectionID == connectionID {
		delete(r.byUser, userID)
	}
}

func (r *MemoryRegistry) Lookup(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byUser[userID]
	return entry, ok
}
