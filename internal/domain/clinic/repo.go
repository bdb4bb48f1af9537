package clinic

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when the requested row does not exist.
var ErrNotFound = errors.New("clinic: not found")

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	CountByRole(ctx context.Context) (map[Role]int, error)
}

type AppointmentRepository interface {
	UpdateStatus(ctx context.Context, id, status string) (*Appointment, error)
	ListUpcomingByPatient(ctx context.Context, patientID string, from time.Time, limit int) ([]*Appointment, error)
	ListByDoctorBetween(ctx context.Context, doctorID string, from, to time.Time) ([]*Appointment, error)
	ListDoctorIDsByPatient(ctx context.Context, patientID string) ([]string, error)
	CountBetween(ctx context.Context, from, to time.Time) (int, error)
}

type VitalRepository interface {
	Create(ctx context.Context, v *Vital) error
}

type AvailabilityRepository interface {
	Upsert(ctx context.Context, a *Availability) error
	ListAvailableDoctors(ctx context.Context, specialties []string) ([]*DoctorSummary, error)
	CountAvailable(ctx context.Context) (int, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
}

type NotificationRepository interface {
	Create(ctx context.Context, n *Notification) error
}

type ReminderRepository interface {
	Create(ctx context.Context, r *Reminder) error
}

type ConsultationRepository interface {
	ListPendingUnassigned(ctx context.Context, limit int) ([]*Consultation, error)
	CountPendingUnassigned(ctx context.Context) (int, error)
}
