package realtime

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/careflow/internal/domain/clinic"
)

// DefaultHandlerTimeout bounds a single handler's data-store work.
const DefaultHandlerTimeout = 10 * time.Second

// DataStore is the write side of the data-store collaborator. Each handler
// makes exactly one of these calls.
type DataStore interface {
	UpdateAppointmentStatus(ctx context.Context, appointmentID, status string) (*clinic.Appointment, error)
	RecordVital(ctx context.Context, v *clinic.Vital) (*clinic.Vital, error)
	DoctorsForPatient(ctx context.Context, patientID string) ([]string, error)
	UpdateAvailability(ctx context.Context, a *clinic.Availability) (*clinic.Availability, error)
	SaveMessage(ctx context.Context, m *clinic.Message) (*clinic.Message, error)
	SaveNotification(ctx context.Context, n *clinic.Notification) (*clinic.Notification, error)
	SaveReminder(ctx context.Context, r *clinic.Reminder) (*clinic.Reminder, error)
}

// Dispatcher runs inbound commands for a connection. Commands run
// synchronously on the caller's goroutine; the data-store call uses a
// context detached from the connection so it completes even if the client
// disconnects mid-flight.
type Dispatcher struct {
	registry *Registry
	router   *Router
	gate     *Gate
	store    DataStore
	logger   zerolog.Logger
	timeout  time.Duration
}

func NewDispatcher(registry *Registry, router *Router, gate *Gate, store DataStore, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		router:   router,
		gate:     gate,
		store:    store,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		timeout:  DefaultHandlerTimeout,
	}
}

// SetTimeout overrides DefaultHandlerTimeout.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// Dispatch runs cmd on behalf of connID. Any failure, including a panic, is
// reported to connID as a single "error" event and never reaches other
// connections.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			d.logger.Error().
				Str("conn", connID).
				Str("event", cmd.EventName()).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(stack[:n])).
				Msg("panic recovered in handler")
			d.Reject(connID, cmd.EventName(), fmt.Errorf("internal error"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	if err := d.dispatch(ctx, connID, cmd); err != nil {
		d.Reject(connID, cmd.EventName(), err)
	}
}

// Reject sends the single "error" event for a failed command.
func (d *Dispatcher) Reject(connID, event string, err error) {
	code := errorCode(err)
	evt := d.logger.Warn()
	if code == "persistence_failed" || code == "internal_error" {
		evt = d.logger.Error()
	}
	evt.Err(err).Str("conn", connID).Str("event", event).Str("code", code).Msg("command failed")
	d.router.SendTo(connID, KindError, ErrorPayload{Code: code, Message: err.Error(), Event: event})
}

func (d *Dispatcher) dispatch(ctx context.Context, connID string, cmd Command) error {
	if auth, ok := cmd.(Authenticate); ok {
		// the gate answers with its own "authenticated" event
		_ = d.gate.HandleAuthenticate(ctx, connID, auth.UserID, auth.Role)
		return nil
	}

	id, err := d.registry.Identity(connID)
	if err != nil {
		return err
	}
	if _, ok := cmd.(Ping); ok {
		d.router.SendTo(connID, KindPong, map[string]int64{"ts": time.Now().UnixMilli()})
		return nil
	}
	if !id.Authenticated() {
		return ErrUnauthenticated
	}

	switch c := cmd.(type) {
	case AppointmentUpdate:
		return d.appointmentUpdate(ctx, c)
	case RecordVital:
		return d.recordVital(ctx, id, c)
	case AvailabilityUpdate:
		return d.availabilityUpdate(ctx, id, c)
	case SendMessage:
		return d.sendMessage(ctx, connID, id, c)
	case Notification:
		_, err := d.Notify(ctx, id, c)
		return err
	case SendReminder:
		return d.sendReminder(ctx, id, c)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, cmd.EventName())
	}
}

func (d *Dispatcher) appointmentUpdate(ctx context.Context, c AppointmentUpdate) error {
	if c.AppointmentID == "" || c.Status == "" {
		return invalidPayload("appointmentId and status are required")
	}
	if !clinic.ValidAppointmentStatus(c.Status) {
		return invalidPayload("unknown appointment status %q", c.Status)
	}
	appt, err := d.store.UpdateAppointmentStatus(ctx, c.AppointmentID, c.Status)
	if err != nil {
		return persistenceFailure("appointment", err)
	}
	for _, t := range []Target{ToUser(appt.PatientID), ToUser(appt.DoctorID), ToRole(clinic.RoleControlRoom)} {
		d.router.Route(ctx, Event{Kind: KindAppointmentUpdated, Payload: appt, Target: t})
	}
	return nil
}

func (d *Dispatcher) recordVital(ctx context.Context, id Identity, c RecordVital) error {
	if c.PatientID == "" || c.Kind == "" {
		return invalidPayload("patientId and kind are required")
	}
	vital, err := d.store.RecordVital(ctx, &clinic.Vital{
		PatientID:  c.PatientID,
		RecordedBy: id.UserID,
		Kind:       c.Kind,
		Value:      c.Value,
		Unit:       c.Unit,
	})
	if err != nil {
		return persistenceFailure("vital", err)
	}

	d.router.Route(ctx, Event{Kind: KindVitalRecorded, Payload: vital, Target: ToUser(vital.PatientID)})

	doctors, err := d.store.DoctorsForPatient(ctx, vital.PatientID)
	if err != nil {
		d.logger.Error().Err(err).Str("patient", vital.PatientID).Msg("failed to resolve doctors for vital fan-out")
		return nil
	}
	for _, doctorID := range doctors {
		d.router.Route(ctx, Event{Kind: KindVitalRecorded, Payload: vital, Target: ToUser(doctorID)})
	}
	return nil
}

func (d *Dispatcher) availabilityUpdate(ctx context.Context, id Identity, c AvailabilityUpdate) error {
	doctorID := c.DoctorID
	switch id.Role {
	case clinic.RoleDoctor:
		if doctorID == "" {
			doctorID = id.UserID
		}
		if doctorID != id.UserID {
			return fmt.Errorf("%w: doctors may only change their own availability", ErrForbidden)
		}
	case clinic.RoleAdmin, clinic.RoleControlRoom:
		if doctorID == "" {
			return invalidPayload("doctorId is required")
		}
	default:
		return ErrForbidden
	}

	avail, err := d.store.UpdateAvailability(ctx, &clinic.Availability{
		DoctorID:  doctorID,
		Available: c.Available,
		Note:      c.Note,
	})
	if err != nil {
		return persistenceFailure("availability", err)
	}
	d.router.Route(ctx, Event{Kind: KindAvailabilityUpdated, Payload: avail, Target: ToRole(clinic.RoleControlRoom)})
	d.router.Route(ctx, Event{Kind: KindAvailabilityUpdated, Payload: avail, Target: ToRole(clinic.RoleAdmin)})
	return nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, connID string, id Identity, c SendMessage) error {
	if c.RecipientID == "" || strings.TrimSpace(c.Body) == "" {
		return invalidPayload("recipientId and body are required")
	}
	msg, err := d.store.SaveMessage(ctx, &clinic.Message{
		SenderID:    id.UserID,
		RecipientID: c.RecipientID,
		Body:        c.Body,
	})
	if err != nil {
		return persistenceFailure("message", err)
	}
	d.router.Route(ctx, Event{Kind: KindNewMessage, Payload: msg, Target: ToUser(msg.RecipientID)})
	d.router.SendTo(connID, KindMessageSent, msg)
	return nil
}

// Notify persists and routes a caller-addressed notification. Role and
// broadcast audiences, and system notifications, are reserved for
// administrators and control-room staff. It is shared by the WebSocket
// command and the REST publish endpoint.
func (d *Dispatcher) Notify(ctx context.Context, sender Identity, c Notification) (*clinic.Notification, error) {
	if err := c.Target.Validate(); err != nil {
		return nil, invalidPayload("%v", err)
	}
	if strings.TrimSpace(c.Title) == "" && strings.TrimSpace(c.Body) == "" {
		return nil, invalidPayload("title or body is required")
	}
	if !clinic.ValidSeverity(c.Severity) {
		return nil, invalidPayload("unknown severity %q", c.Severity)
	}
	staff := sender.Role == clinic.RoleAdmin || sender.Role == clinic.RoleControlRoom
	if c.System && !staff {
		return nil, fmt.Errorf("%w: system notifications", ErrForbidden)
	}
	if c.Target.Scope != ScopeUser && !staff {
		return nil, fmt.Errorf("%w: %s notifications", ErrForbidden, c.Target.Scope)
	}

	n := &clinic.Notification{
		Category:  c.Category,
		Title:     c.Title,
		Body:      c.Body,
		Severity:  c.Severity,
		Broadcast: c.Target.Scope == ScopeBroadcast,
	}
	if c.System && n.Category == "" {
		n.Category = "security"
	}
	if c.Target.Scope == ScopeUser {
		userID := c.Target.UserID
		n.UserID = &userID
	}
	if c.Target.Scope == ScopeRole {
		role := c.Target.Role
		n.TargetRole = &role
	}
	if sender.UserID != "" {
		createdBy := sender.UserID
		n.CreatedBy = &createdBy
	}

	saved, err := d.store.SaveNotification(ctx, n)
	if err != nil {
		return nil, persistenceFailure("notification", err)
	}
	d.router.Route(ctx, Event{Kind: KindNotification, Payload: saved, Target: c.Target})
	return saved, nil
}

func (d *Dispatcher) sendReminder(ctx context.Context, id Identity, c SendReminder) error {
	if c.PatientID == "" || c.Message == "" {
		return invalidPayload("patientId and message are required")
	}
	r := &clinic.Reminder{
		PatientID:     c.PatientID,
		AppointmentID: c.AppointmentID,
		Message:       c.Message,
		CreatedBy:     id.UserID,
	}
	if c.RemindAt != nil {
		r.RemindAt = *c.RemindAt
	}
	saved, err := d.store.SaveReminder(ctx, r)
	if err != nil {
		return persistenceFailure("reminder", err)
	}
	d.router.Route(ctx, Event{Kind: KindReminder, Payload: saved, Target: ToUser(saved.PatientID)})
	return nil
}
