package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/careflow/internal/domain/clinic"
)

// Inbound event names.
const (
	EventAuthenticate       = "authenticate"
	EventAppointmentUpdate  = "appointment_update"
	EventRecordVital        = "vital_recorded"
	EventAvailabilityUpdate = "availability_update"
	EventSendMessage        = "send_message"
	EventNotification       = "notification"
	EventSystemNotification = "system_notification"
	EventSendReminder       = "reminder"
	EventPing               = "ping"
)

// Command is a decoded inbound frame. The set of implementations is closed:
// only the types in this file satisfy it.
type Command interface {
	EventName() string
	command()
}

type Authenticate struct {
	UserID string      `json:"userId"`
	Role   clinic.Role `json:"role"`
}

type AppointmentUpdate struct {
	AppointmentID string `json:"appointmentId"`
	Status        string `json:"status"`
}

type RecordVital struct {
	PatientID string  `json:"patientId"`
	Kind      string  `json:"kind"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
}

type AvailabilityUpdate struct {
	DoctorID  string  `json:"doctorId,omitempty"`
	Available bool    `json:"available"`
	Note      *string `json:"note,omitempty"`
}

type SendMessage struct {
	RecipientID string `json:"recipientId"`
	Body        string `json:"body"`
}

// Notification is the extensible variant: a caller-addressed notice with a
// free-form category. System carries whether it arrived as
// "system_notification".
type Notification struct {
	Category string `json:"category,omitempty"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Severity string `json:"severity,omitempty"`
	Target   Target `json:"target"`
	System   bool   `json:"-"`
}

type SendReminder struct {
	PatientID     string     `json:"patientId"`
	AppointmentID *string    `json:"appointmentId,omitempty"`
	Message       string     `json:"message"`
	RemindAt      *time.Time `json:"remindAt,omitempty"`
}

type Ping struct{}

func (Authenticate) EventName() string       { return EventAuthenticate }
func (AppointmentUpdate) EventName() string  { return EventAppointmentUpdate }
func (RecordVital) EventName() string        { return EventRecordVital }
func (AvailabilityUpdate) EventName() string { return EventAvailabilityUpdate }
func (SendMessage) EventName() string        { return EventSendMessage }
func (SendReminder) EventName() string       { return EventSendReminder }
func (Ping) EventName() string               { return EventPing }

func (n Notification) EventName() string {
	if n.System {
		return EventSystemNotification
	}
	return EventNotification
}

func (Authenticate) command()       {}
func (AppointmentUpdate) command()  {}
func (RecordVital) command()        {}
func (AvailabilityUpdate) command() {}
func (SendMessage) command()        {}
func (Notification) command()       {}
func (SendReminder) command()       {}
func (Ping) command()               {}

// DecodeCommand parses a raw inbound frame. The returned event name is set
// whenever the envelope itself parsed, so callers can reference it in error
// replies.
func DecodeCommand(data []byte) (string, Command, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", nil, invalidPayload("malformed frame")
	}

	var cmd Command
	var err error
	switch f.Event {
	case EventAuthenticate:
		cmd, err = decodeInto[Authenticate](f.Payload)
	case EventAppointmentUpdate:
		cmd, err = decodeInto[AppointmentUpdate](f.Payload)
	case EventRecordVital:
		cmd, err = decodeInto[RecordVital](f.Payload)
	case EventAvailabilityUpdate:
		cmd, err = decodeInto[AvailabilityUpdate](f.Payload)
	case EventSendMessage:
		cmd, err = decodeInto[SendMessage](f.Payload)
	case EventNotification, EventSystemNotification:
		var n Notification
		n, err = decodeInto[Notification](f.Payload)
		n.System = f.Event == EventSystemNotification
		cmd = n
	case EventSendReminder:
		cmd, err = decodeInto[SendReminder](f.Payload)
	case EventPing:
		cmd = Ping{}
	default:
		return f.Event, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	if err != nil {
		return f.Event, nil, err
	}
	return f.Event, cmd, nil
}

func decodeInto[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, invalidPayload("missing payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, invalidPayload("%v", err)
	}
	return v, nil
}
