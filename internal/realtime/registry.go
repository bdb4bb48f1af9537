package realtime

import (
	"sync"

	"github.com/ehr/careflow/internal/domain/clinic"
)

// DefaultSendBuffer is the outbound queue size used when none is configured.
const DefaultSendBuffer = 256

// Connection is one live client session. Its identity and channel
// membership are owned by the Registry; the transport only drains Send.
type Connection struct {
	ID string

	userID   string
	role     clinic.Role
	channels []string
	send     chan []byte
}

// NewConnection creates an unauthenticated connection with a bounded
// outbound queue of the given size.
func NewConnection(id string, buffer int) *Connection {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Connection{ID: id, send: make(chan []byte, buffer)}
}

// Send returns the outbound queue. It is closed when the connection is
// deregistered.
func (c *Connection) Send() <-chan []byte { return c.send }

// Identity is the authenticated user and role of a connection. Both fields
// are empty until the connection authenticates.
type Identity struct {
	UserID string
	Role   clinic.Role
}

func (i Identity) Authenticated() bool { return i.UserID != "" }

// DeliveryStatus is the outcome of a single enqueue attempt.
type DeliveryStatus int

const (
	Delivered DeliveryStatus = iota
	DroppedFull
	DroppedGone
)

// Registry tracks live connections and the channels each has joined. All
// operations are safe for concurrent use; lookups share a read lock.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection         // connection id -> connection
	channels map[string]map[string]struct{} // channel name -> set of connection ids
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]*Connection),
		channels: make(map[string]map[string]struct{}),
	}
}

// Register admits a connection in the unauthenticated state.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
}

// Authenticate sets the identity of a registered connection and joins it to
// the matching user and role channels. Re-authenticating with a different
// identity leaves the previous channels first.
func (r *Registry) Authenticate(connID, userID string, role clinic.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if conn.userID == userID && conn.role == role && len(conn.channels) > 0 {
		return nil
	}

	r.leaveAll(conn)
	conn.userID = userID
	conn.role = role
	r.join(conn, UserChannel(userID))
	r.join(conn, RoleChannel(role))
	return nil
}

// Revoke drops the identity of a registered connection and leaves all of
// its channels. The connection stays registered.
func (r *Registry) Revoke(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[connID]; ok {
		r.leaveAll(conn)
	}
}

// Deregister removes a connection from every channel, drops it and closes
// its outbound queue. Unknown ids are ignored.
func (r *Registry) Deregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[connID]; ok {
		r.remove(conn)
	}
}

// DeregisterAll deregisters every connection and returns how many there
// were. Write pumps observe their closed queues and close the sockets.
func (r *Registry) DeregisterAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.conns)
	for _, conn := range r.conns {
		r.remove(conn)
	}
	return n
}

// MembersOf returns a snapshot of the connection ids in channel.
func (r *Registry) MembersOf(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyMembers(r.channels[channel])
}

// AuthenticatedMembers returns the union of every role channel, which is
// exactly the set of authenticated connections.
func (r *Registry) AuthenticatedMembers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for name, members := range r.channels {
		if !isRoleChannel(name) {
			continue
		}
		for id := range members {
			ids = append(ids, id)
		}
	}
	return ids
}

// Enqueue offers frame to the connection's outbound queue without blocking.
func (r *Registry) Enqueue(connID string, frame []byte) DeliveryStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return DroppedGone
	}
	select {
	case conn.send <- frame:
		return Delivered
	default:
		return DroppedFull
	}
}

// Identity returns the identity of a registered connection.
func (r *Registry) Identity(connID string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return Identity{}, ErrUnknownConnection
	}
	return Identity{UserID: conn.userID, Role: conn.role}, nil
}

// Channels returns the channels a connection has joined.
func (r *Registry) Channels(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, len(conn.channels))
	copy(out, conn.channels)
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ChannelCount returns the number of connections in channel.
func (r *Registry) ChannelCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// join, remove and leaveAll must be called with mu held for writing.
func (r *Registry) join(conn *Connection, channel string) {
	members := r.channels[channel]
	if members == nil {
		members = make(map[string]struct{})
		r.channels[channel] = members
	}
	members[conn.ID] = struct{}{}
	conn.channels = append(conn.channels, channel)
}

func (r *Registry) remove(conn *Connection) {
	r.leaveAll(conn)
	delete(r.conns, conn.ID)
	close(conn.send)
}

func (r *Registry) leaveAll(conn *Connection) {
	for _, channel := range conn.channels {
		if members, ok := r.channels[channel]; ok {
			delete(members, conn.ID)
			if len(members) == 0 {
				delete(r.channels, channel)
			}
		}
	}
	conn.channels = nil
	conn.userID = ""
	conn.role = ""
}

func copyMembers(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
