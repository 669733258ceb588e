package session

import "sync"

// Registry owns the two shared tables: connections and rooms. Lock order is
// always rooms before connections when both are needed, and neither lock is
// held across socket I/O — fan-outs snapshot recipients and the serialized
// payload under the lock, release, then enqueue.
type Registry struct {
	roomsMu sync.RWMutex
	rooms   map[string]*Room

	connsMu sync.RWMutex
	conns   map[string]*Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		conns: make(map[string]*Client),
	}
}

func (reg *Registry) addClient(c *Client) {
	reg.connsMu.Lock()
	defer reg.connsMu.Unlock()
	reg.conns[c.ID] = c
}

func (reg *Registry) removeClient(id string) {
	reg.connsMu.Lock()
	defer reg.connsMu.Unlock()
	delete(reg.conns, id)
}

func (reg *Registry) getClient(id string) (*Client, bool) {
	reg.connsMu.RLock()
	defer reg.connsMu.RUnlock()
	c, ok := reg.conns[id]
	return c, ok
}

// snapshotClients returns every registered client for a global fan-out.
func (reg *Registry) snapshotClients() []*Client {
	reg.connsMu.RLock()
	defer reg.connsMu.RUnlock()
	out := make([]*Client, 0, len(reg.conns))
	for _, c := range reg.conns {
		out = append(out, c)
	}
	return out
}

// resolveMembers maps member ids to live clients, skipping excludeID and ids
// whose connection is already gone. Safe under either rooms lock mode.
func (reg *Registry) resolveMembers(r *Room, excludeID string) []*Client {
	reg.connsMu.RLock()
	defer reg.connsMu.RUnlock()
	out := make([]*Client, 0, len(r.Members))
	for _, id := range r.Members {
		if id == excludeID {
			continue
		}
		if c, ok := reg.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}
