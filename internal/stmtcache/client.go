package stmtcache

import "sync"

// ClientNames is a ClientConn's pooler-local client_name → Statement
// mapping (spec.md §3). It is always namespaced to one client session;
// the same client-visible name may rebind to a different Statement
// across the client's lifetime after DEALLOCATE/DISCARD ALL.
type ClientNames struct {
	mu  sync.Mutex
	byC map[string]*Statement
}

// NewClientNames creates an empty client-local mapping.
func NewClientNames() *ClientNames {
	return &ClientNames{byC: make(map[string]*Statement)}
}

// Bind records that clientName now refers to stmt.
func (c *ClientNames) Bind(clientName string, stmt *Statement) {
	if clientName == "" {
		return // unnamed statements are never cached (spec.md §4.F #4)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byC[clientName] = stmt
}

// Lookup resolves a client-visible statement name to its Statement.
func (c *ClientNames) Lookup(clientName string) (*Statement, bool) {
	if clientName == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byC[clientName]
	return s, ok
}

// Forget prunes one client-visible name, e.g. on a statement-targeted
// Close message.
func (c *ClientNames) Forget(clientName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byC, clientName)
}

// Clear empties the mapping, e.g. on DEALLOCATE ALL / DISCARD ALL.
func (c *ClientNames) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byC = make(map[string]*Statement)
}
