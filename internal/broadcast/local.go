package broadcast

import "sync"

// localTable indexes the connections this process holds, by connection id,
// user id, and room membership. It is the only in-memory state in the core;
// it never leaves the process and is rebuilt naturally as connections come
// and go.
type localTable struct {
	mu        sync.RWMutex
	conns     map[string]Conn
	userConns map[string]map[string]struct{}
	roomConns map[string]map[string]struct{}
	connUser  map[string]string
	connRooms map[string]map[string]struct{}
}

func newLocalTable() *localTable {
	return &localTable{
		conns:     make(map[string]Conn),
		userConns: make(map[string]map[string]struct{}),
		roomConns: make(map[string]map[string]struct{}),
		connUser:  make(map[string]string),
		connRooms: make(map[string]map[string]struct{}),
	}
}

// AddLocal records a connection held by this process.
func (b *Broadcaster) AddLocal(userID string, conn Conn) {
	t := b.local
	t.mu.Lock()
	defer t.mu.Unlock()

	connID := conn.ID()
	t.conns[connID] = conn
	t.connUser[connID] = userID
	if t.userConns[userID] == nil {
		t.userConns[userID] = make(map[string]struct{})
	}
	t.userConns[userID][connID] = struct{}{}
}

// RemoveLocal drops a connection and its room memberships.
func (b *Broadcaster) RemoveLocal(connID string) {
	t := b.local
	t.mu.Lock()
	defer t.mu.Unlock()

	userID, ok := t.connUser[connID]
	if !ok {
		return
	}
	delete(t.conns, connID)
	delete(t.connUser, connID)

	if set := t.userConns[userID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.userConns, userID)
		}
	}
	for roomID := range t.connRooms[connID] {
		if set := t.roomConns[roomID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(t.roomConns, roomID)
			}
		}
	}
	delete(t.connRooms, connID)
}

// JoinLocalRoom subscribes a local connection to a room id so room fan-outs
// reach it through this process.
func (b *Broadcaster) JoinLocalRoom(connID, roomID string) {
	t := b.local
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[connID]; !ok {
		return
	}
	if t.roomConns[roomID] == nil {
		t.roomConns[roomID] = make(map[string]struct{})
	}
	t.roomConns[roomID][connID] = struct{}{}
	if t.connRooms[connID] == nil {
		t.connRooms[connID] = make(map[string]struct{})
	}
	t.connRooms[connID][roomID] = struct{}{}
}

// LeaveLocalRoom removes a local room subscription.
func (b *Broadcaster) LeaveLocalRoom(connID, roomID string) {
	t := b.local
	t.mu.Lock()
	defer t.mu.Unlock()

	if set := t.roomConns[roomID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.roomConns, roomID)
		}
	}
	if set := t.connRooms[connID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(t.connRooms, connID)
		}
	}
}

// LocalConns returns every connection this process currently holds, for
// shutdown sweeps.
func (b *Broadcaster) LocalConns() []Conn {
	t := b.local
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make([]Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}

// resolve collects the distinct local connections matched by the target
// lists, honoring the exclusion.
func (t *localTable) resolve(userIDs, roomIDs, connIDs []string, exclude string) []Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []Conn
	add := func(connID string) {
		if connID == exclude {
			return
		}
		if _, dup := seen[connID]; dup {
			return
		}
		if conn, ok := t.conns[connID]; ok {
			seen[connID] = struct{}{}
			out = append(out, conn)
		}
	}

	for _, userID := range userIDs {
		for connID := range t.userConns[userID] {
			add(connID)
		}
	}
	for _, roomID := range roomIDs {
		for connID := range t.roomConns[roomID] {
			add(connID)
		}
	}
	for _, connID := range connIDs {
		add(connID)
	}
	return out
}
