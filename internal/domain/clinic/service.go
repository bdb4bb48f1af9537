package clinic

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	upcomingLimit     = 20
	consultationLimit = 50
)

type Service struct {
	users         UserRepository
	appointments  AppointmentRepository
	vitals        VitalRepository
	availability  AvailabilityRepository
	messages      MessageRepository
	notifications NotificationRepository
	reminders     ReminderRepository
	consultations ConsultationRepository
}

// Repositories groups the repositories a Service is built from.
type Repositories struct {
	Users         UserRepository
	Appointments  AppointmentRepository
	Vitals        VitalRepository
	Availability  AvailabilityRepository
	Messages      MessageRepository
	Notifications NotificationRepository
	Reminders     ReminderRepository
	Consultations ConsultationRepository
}

func NewService(r Repositories) *Service {
	return &Service{
		users:         r.Users,
		appointments:  r.Appointments,
		vitals:        r.Vitals,
		availability:  r.Availability,
		messages:      r.Messages,
		notifications: r.Notifications,
		reminders:     r.Reminders,
		consultations: r.Consultations,
	}
}

// -- Directory --

// LookupUser returns the stored identity for id, or ErrNotFound.
func (s *Service) LookupUser(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	return s.users.GetByID(ctx, id)
}

// -- Appointment --

var validAppointmentStatuses = map[string]bool{
	"PENDING": true, "CONFIRMED": true, "IN_PROGRESS": true,
	"COMPLETED": true, "CANCELLED": true, "NO_SHOW": true,
}

// ValidAppointmentStatus reports whether status, compared case-insensitively,
// is a known appointment status.
func ValidAppointmentStatus(status string) bool {
	return validAppointmentStatuses[strings.ToUpper(status)]
}

func (s *Service) UpdateAppointmentStatus(ctx context.Context, appointmentID, status string) (*Appointment, error) {
	if appointmentID == "" {
		return nil, fmt.Errorf("appointment_id is required")
	}
	status = strings.ToUpper(status)
	if !validAppointmentStatuses[status] {
		return nil, fmt.Errorf("invalid appointment status: %s", status)
	}
	a, err := s.appointments.UpdateStatus(ctx, appointmentID, status)
	if err != nil {
		return nil, fmt.Errorf("update appointment %s: %w", appointmentID, err)
	}
	return a, nil
}

func (s *Service) UpcomingAppointments(ctx context.Context, patientID string, now time.Time) ([]*Appointment, error) {
	return s.appointments.ListUpcomingByPatient(ctx, patientID, now, upcomingLimit)
}

func (s *Service) TodaysAppointments(ctx context.Context, doctorID string, now time.Time) ([]*Appointment, error) {
	start, end := dayBounds(now)
	return s.appointments.ListByDoctorBetween(ctx, doctorID, start, end)
}

// DoctorsForPatient returns the ids of every doctor with an appointment
// referencing patientID.
func (s *Service) DoctorsForPatient(ctx context.Context, patientID string) ([]string, error) {
	return s.appointments.ListDoctorIDsByPatient(ctx, patientID)
}

// -- Vital --

func (s *Service) RecordVital(ctx context.Context, v *Vital) (*Vital, error) {
	if v.PatientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if v.Kind == "" {
		return nil, fmt.Errorf("kind is required")
	}
	if err := s.vitals.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("insert vital: %w", err)
	}
	return v, nil
}

// -- Availability --

func (s *Service) UpdateAvailability(ctx context.Context, a *Availability) (*Availability, error) {
	if a.DoctorID == "" {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if err := s.availability.Upsert(ctx, a); err != nil {
		return nil, fmt.Errorf("update availability: %w", err)
	}
	return a, nil
}

func (s *Service) AvailableDoctors(ctx context.Context, specialties []string) ([]*DoctorSummary, error) {
	return s.availability.ListAvailableDoctors(ctx, specialties)
}

// -- Message --

func (s *Service) SaveMessage(ctx context.Context, m *Message) (*Message, error) {
	if m.RecipientID == "" {
		return nil, fmt.Errorf("recipient_id is required")
	}
	if strings.TrimSpace(m.Body) == "" {
		return nil, fmt.Errorf("message body is required")
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// -- Notification --

var validSeverities = map[string]bool{"info": true, "warning": true, "critical": true}

// ValidSeverity reports whether severity is accepted by SaveNotification.
// An empty severity defaults to "info".
func ValidSeverity(severity string) bool {
	return severity == "" || validSeverities[severity]
}

func (s *Service) SaveNotification(ctx context.Context, n *Notification) (*Notification, error) {
	if n.Title == "" && n.Body == "" {
		return nil, fmt.Errorf("notification title or body is required")
	}
	if n.Severity == "" {
		n.Severity = "info"
	}
	if !validSeverities[n.Severity] {
		return nil, fmt.Errorf("invalid notification severity: %s", n.Severity)
	}
	if n.Category == "" {
		n.Category = "system"
	}
	if err := s.notifications.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// -- Reminder --

func (s *Service) SaveReminder(ctx context.Context, r *Reminder) (*Reminder, error) {
	if r.PatientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if r.Message == "" {
		return nil, fmt.Errorf("reminder message is required")
	}
	if r.RemindAt.IsZero() {
		r.RemindAt = time.Now().UTC()
	}
	if err := s.reminders.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("insert reminder: %w", err)
	}
	return r, nil
}

// -- Control room / admin --

func (s *Service) PendingConsultations(ctx context.Context) ([]*Consultation, error) {
	return s.consultations.ListPendingUnassigned(ctx, consultationLimit)
}

// Counts aggregates the figures shown on the admin dashboard.
func (s *Service) Counts(ctx context.Context, now time.Time) (*Counts, error) {
	byRole, err := s.users.CountByRole(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	start, end := dayBounds(now)
	today, err := s.appointments.CountBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("count appointments: %w", err)
	}
	pending, err := s.consultations.CountPendingUnassigned(ctx)
	if err != nil {
		return nil, fmt.Errorf("count consultations: %w", err)
	}
	available, err := s.availability.CountAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("count available doctors: %w", err)
	}
	return &Counts{
		Patients:             byRole[RolePatient],
		Doctors:              byRole[RoleDoctor],
		Attendants:           byRole[RoleAttendant],
		AppointmentsToday:    today,
		PendingConsultations: pending,
		AvailableDoctors:     available,
	}, nil
}

func dayBounds(now time.Time) (time.Time, time.Time) {
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 0, 1)
}
