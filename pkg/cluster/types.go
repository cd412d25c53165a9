package cluster

import (
	"fmt"
	"sort"
	"time"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

// Member represents a server in the cluster
type Member struct {
	ID      string         // Unique identifier for the server
	Address string         // Network address of its REST endpoint (host:port)
	Role    prototype.Role // Server role
	AddedAt time.Time      // When the server was added
}

// Configuration represents the known servers at a point in time
type Configuration struct {
	Members map[string]*Member // Map of server ID to Member
	Version uint64             // Incremented on every change
}

// NewConfiguration creates a new cluster configuration
func NewConfiguration() *Configuration {
	return &Configuration{
		Members: make(map[string]*Member),
	}
}

// Clone creates a deep copy of the configuration
func (c *Configuration) Clone() *Configuration {
	clone := &Configuration{
		Members: make(map[string]*Member),
		Version: c.Version,
	}
	for id, member := range c.Members {
		m := *member
		clone.Members[id] = &m
	}
	return clone
}

// AddMember adds a server to the configuration
func (c *Configuration) AddMember(id, address string, role prototype.Role) error {
	if id == "" {
		return fmt.Errorf("member id is required")
	}
	if _, exists := c.Members[id]; exists {
		return fmt.Errorf("member %s already exists in configuration", id)
	}
	c.Members[id] = &Member{
		ID:      id,
		Address: address,
		Role:    role,
		AddedAt: time.Now(),
	}
	c.Version++
	return nil
}

// UpdateAddress changes the address of an existing server
func (c *Configuration) UpdateAddress(id, address string) error {
	member, exists := c.Members[id]
	if !exists {
		return fmt.Errorf("member %s not found in configuration", id)
	}
	member.Address = address
	c.Version++
	return nil
}

// RemoveMember removes a server from the configuration
func (c *Configuration) RemoveMember(id string) error {
	if _, exists := c.Members[id]; !exists {
		return fmt.Errorf("member %s not found in configuration", id)
	}
	delete(c.Members, id)
	c.Version++
	return nil
}

// Contains checks if a server exists in the configuration
func (c *Configuration) Contains(id string) bool {
	_, exists := c.Members[id]
	return exists
}

// MembersWithRole returns the servers of a role ordered by id
func (c *Configuration) MembersWithRole(role prototype.Role) []*Member {
	members := make([]*Member, 0)
	for _, member := range c.Members {
		if member.Role == role {
			members = append(members, member)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// LeaderRecord is the agency's knowledge about the leader of one state
type LeaderRecord struct {
	ServerID  string    // Server hosting the leader, empty if none was reported
	Resigned  bool      // The recorded leader resigned and no successor is known
	Term      uint64    // Incremented whenever the record changes
	UpdatedAt time.Time // Time of the last change
}
