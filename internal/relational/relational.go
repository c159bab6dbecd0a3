// Package relational is the read-only port to the relational-data
// collaborator. The core treats these queries as pure functions; it never
// writes through them and never caches their answers.
package relational

import (
	"context"
	"sync"
)

// ServerMember is the membership record for a (server, user) pair. The core
// only checks existence; the permission bits are opaque to it.
type ServerMember struct {
	ServerID    string
	UserID      string
	Permissions uint64
}

type Client interface {
	// FriendIDs returns the user ids of the user's accepted friends.
	FriendIDs(ctx context.Context, userID string) ([]string, error)
	// ServerIDs returns the ids of servers the user is a member of.
	ServerIDs(ctx context.Context, userID string) ([]string, error)
	// ServerMember returns the membership record for a server/user pair,
	// found=false when the user is not a member.
	ServerMember(ctx context.Context, serverID, userID string) (*ServerMember, bool, error)
}

// Static is an in-memory Client for tests and standalone runs.
type Static struct {
	mu      sync.RWMutex
	friends map[string][]string
	servers map[string][]string
	members map[string]map[string]*ServerMember
}

var _ Client = (*Static)(nil)

func NewStatic() *Static {
	return &Static{
		friends: make(map[string][]string),
		servers: make(map[string][]string),
		members: make(map[string]map[string]*ServerMember),
	}
}

func (s *Static) SetFriends(userID string, friendIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[userID] = friendIDs
}

func (s *Static) AddServerMember(serverID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[userID] = append(s.servers[userID], serverID)
	if s.members[serverID] == nil {
		s.members[serverID] = make(map[string]*ServerMember)
	}
	s.members[serverID][userID] = &ServerMember{ServerID: serverID, UserID: userID}
}

func (s *Static) FriendIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.friends[userID]...), nil
}

func (s *Static) ServerIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.servers[userID]...), nil
}

func (s *Static) ServerMember(_ context.Context, serverID, userID string) (*ServerMember, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member, ok := s.members[serverID][userID]
	return member, ok, nil
}
