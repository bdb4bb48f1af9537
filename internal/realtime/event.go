// Package realtime distributes clinical events to live WebSocket clients.
//
// Connections register with a Registry in an unauthenticated state. The
// first frame a client sends must be "authenticate"; the Gate checks the
// claimed identity against the user directory and, on success, joins the
// connection to its "user:<id>" and "role:<ROLE>" channels. Domain commands
// are decoded into a closed set of types, persisted through the DataStore
// and fanned out by the Router to every connection resolved from the
// event's Target. Delivery is best-effort: a full outbound queue drops that
// single delivery instead of blocking the router.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/careflow/internal/domain/clinic"
)

// Kind tags an outbound event.
type Kind string

const (
	KindAuthenticated       Kind = "authenticated"
	KindInitialSync         Kind = "initial_sync"
	KindAppointmentUpdated  Kind = "appointment_updated"
	KindVitalRecorded       Kind = "vital_recorded"
	KindAvailabilityUpdated Kind = "availability_updated"
	KindNewMessage          Kind = "new_message"
	KindMessageSent         Kind = "message_sent"
	KindNotification        Kind = "notification"
	KindReminder            Kind = "reminder"
	KindPong                Kind = "pong"
	KindError               Kind = "error"
)

const (
	userChannelPrefix = "user:"
	roleChannelPrefix = "role:"
)

// UserChannel returns the channel name every connection of userID joins.
func UserChannel(userID string) string { return userChannelPrefix + userID }

// RoleChannel returns the channel name every connection with role joins.
func RoleChannel(role clinic.Role) string { return roleChannelPrefix + string(role) }

// Scope selects how a Target is resolved.
type Scope string

const (
	ScopeUser      Scope = "user"
	ScopeRole      Scope = "role"
	ScopeBroadcast Scope = "broadcast"
)

// Target addresses an event to exactly one of: a user, a role, or every
// authenticated connection.
type Target struct {
	Scope  Scope       `json:"scope"`
	UserID string      `json:"userId,omitempty"`
	Role   clinic.Role `json:"role,omitempty"`
}

func ToUser(userID string) Target { return Target{Scope: ScopeUser, UserID: userID} }
func ToRole(role clinic.Role) Target { return Target{Scope: ScopeRole, Role: role} }
func ToEveryone() Target { return Target{Scope: ScopeBroadcast} }

// Validate checks that the target names exactly one audience.
func (t Target) Validate() error {
	switch t.Scope {
	case ScopeUser:
		if t.UserID == "" {
			return fmt.Errorf("user target requires userId")
		}
		if t.Role != "" {
			return fmt.Errorf("user target must not carry a role")
		}
	case ScopeRole:
		if !t.Role.Valid() {
			return fmt.Errorf("invalid target role: %q", t.Role)
		}
		if t.UserID != "" {
			return fmt.Errorf("role target must not carry a userId")
		}
	case ScopeBroadcast:
		if t.UserID != "" || t.Role != "" {
			return fmt.Errorf("broadcast target must not carry a userId or role")
		}
	default:
		return fmt.Errorf("invalid target scope: %q", t.Scope)
	}
	return nil
}

func (t Target) String() string {
	switch t.Scope {
	case ScopeUser:
		return UserChannel(t.UserID)
	case ScopeRole:
		return RoleChannel(t.Role)
	default:
		return string(t.Scope)
	}
}

// Event is an outbound event addressed to a Target. The payload is encoded
// once when the event is routed, so later mutation of the payload value
// does not affect deliveries.
type Event struct {
	Kind    Kind
	Payload interface{}
	Target  Target
}

// Frame is the wire shape used in both directions.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeFrame(kind Kind, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = b
	}
	return json.Marshal(Frame{Event: string(kind), Payload: raw})
}

// ErrorPayload is the payload of an "error" event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// AuthenticatedPayload is the payload of an "authenticated" event.
type AuthenticatedPayload struct {
	Authenticated bool        `json:"authenticated"`
	UserID        string      `json:"userId,omitempty"`
	Role          clinic.Role `json:"role,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// InitialSyncPayload is the payload of an "initial_sync" event.
type InitialSyncPayload struct {
	Role clinic.Role `json:"role"`
	Data interface{} `json:"data"`
}

func isRoleChannel(name string) bool { return strings.HasPrefix(name, roleChannelPrefix) }
