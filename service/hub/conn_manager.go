package hub

import (
	"time"

	"sync"

	errs "tradelive/tools/errs"
)

// ManagerConf bounds admission.
type ManagerConf struct {
	MaxPerUser int              // live connections per user (<=0: default 5)
	MaxPerIP   int              // live connections per remote IP (<=0: default 20)
	Clock      func() time.Time // injectable clock for tests; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = 5
	}
	if c.MaxPerIP <= 0 {
		c.MaxPerIP = 20
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ConnManager owns all live connections. byConn holds every tracked
// connection including pending-auth ones; byUser holds admitted connections
// only. A byUser key exists iff its set is non-empty. byIP counts tracked
// connections per remote IP regardless of auth state.
type ConnManager struct {
	mu       sync.RWMutex
	byConn   map[string]*Client
	byUser   map[string]map[string]*Client
	byIP     map[string]int
	admitted int

	conf ManagerConf
}

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	return &ConnManager{
		byConn: make(map[string]*Client),
		byUser: make(map[string]map[string]*Client),
		byIP:   make(map[string]int),
		conf:   conf,
	}
}

// Track registers a freshly accepted connection and takes its IP slot. It
// runs before authentication so unauthenticated floods are bounded too.
// Returns ErrIPLimit without any mutation when the IP is at capacity.
func (m *ConnManager) Track(c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byIP[c.IP] >= m.conf.MaxPerIP {
		return errs.ErrIPLimit.WithDetail("ip=" + c.IP)
	}
	if _, exists := m.byConn[c.ConnID]; exists {
		return errs.ErrInternal.WithDetail("duplicate conn id " + c.ConnID)
	}
	m.byConn[c.ConnID] = c
	m.byIP[c.IP]++
	return nil
}

// Admit attaches a tracked connection to its authenticated user. Returns
// ErrUserLimit without any mutation when the user is at capacity.
func (m *ConnManager) Admit(userID string, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, tracked := m.byConn[c.ConnID]; !tracked {
		return errs.ErrInternal.WithDetail("admit of untracked conn " + c.ConnID)
	}
	if len(m.byUser[userID]) >= m.conf.MaxPerUser {
		return errs.ErrUserLimit.WithDetail("user=" + userID)
	}
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Client)
	}
	m.byUser[userID][c.ConnID] = c
	m.admitted++
	return nil
}

// Remove drops a connection from every index and releases its IP slot. It
// reports whether the connection was admitted and whether its user went
// offline with it, so the caller can clear the rate window and presence.
// Safe to call once per connection; the server's teardown guarantees that.
func (m *ConnManager) Remove(c *Client) (wasAdmitted, userOffline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, tracked := m.byConn[c.ConnID]; !tracked {
		return false, false
	}
	delete(m.byConn, c.ConnID)

	if n := m.byIP[c.IP]; n <= 1 {
		delete(m.byIP, c.IP)
	} else {
		m.byIP[c.IP] = n - 1
	}

	user := c.UserID()
	if set := m.byUser[user]; set != nil {
		if _, ok := set[c.ConnID]; ok {
			delete(set, c.ConnID)
			m.admitted--
			wasAdmitted = true
			if len(set) == 0 {
				delete(m.byUser, user)
				userOffline = true
			}
		}
	}
	return wasAdmitted, userOffline
}

func (m *ConnManager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// CountConnections returns the number of admitted (authenticated) connections.
func (m *ConnManager) CountConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admitted
}

// CountUsers returns the number of users with at least one live connection.
func (m *ConnManager) CountUsers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser)
}

// ConnectionsOf snapshots a user's live connections for fan-out.
func (m *ConnManager) ConnectionsOf(userID string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// AllClients snapshots every tracked connection, pending ones included. Used
// by the liveness sweep.
func (m *ConnManager) AllClients() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.byConn))
	for _, c := range m.byConn {
		out = append(out, c)
	}
	return out
}

// sumUserSets is the invariant check used by tests: admitted connections must
// equal the sum of per-user set sizes at all times.
func (m *ConnManager) sumUserSets() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.byUser {
		n += len(set)
	}
	return n
}
