package clinic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== User Repository ===========

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository { return &userRepoPG{pool: pool} }

func (r *userRepoPG) GetByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, role, specialty, created_at FROM app_user WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Role, &u.Specialty, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *userRepoPG) CountByRole(ctx context.Context) (map[Role]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT role, COUNT(*) FROM app_user GROUP BY role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Role]int)
	for rows.Next() {
		var role Role
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, err
		}
		counts[role] = n
	}
	return counts, rows.Err()
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const apptCols = `id, patient_id, doctor_id, status, reason, scheduled_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Status, &a.Reason, &a.ScheduledAt, &a.UpdatedAt)
	return &a, err
}

func (r *appointmentRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*Appointment, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id, status string) (*Appointment, error) {
	a, err := r.scanAppointment(r.pool.QueryRow(ctx, `
		UPDATE appointment SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+apptCols, id, status))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (r *appointmentRepoPG) ListUpcomingByPatient(ctx context.Context, patientID string, from time.Time, limit int) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE patient_id = $1 AND scheduled_at >= $2 AND status NOT IN ('CANCELLED', 'COMPLETED')
		ORDER BY scheduled_at LIMIT $3`, patientID, from, limit)
}

func (r *appointmentRepoPG) ListByDoctorBetween(ctx context.Context, doctorID string, from, to time.Time) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		ORDER BY scheduled_at`, doctorID, from, to)
}

func (r *appointmentRepoPG) ListDoctorIDsByPatient(ctx context.Context, patientID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT doctor_id FROM appointment WHERE patient_id = $1`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *appointmentRepoPG) CountBetween(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE scheduled_at >= $1 AND scheduled_at < $2`, from, to).Scan(&n)
	return n, err
}

// =========== Vital Repository ===========

type vitalRepoPG struct{ pool *pgxpool.Pool }

func NewVitalRepoPG(pool *pgxpool.Pool) VitalRepository { return &vitalRepoPG{pool: pool} }

func (r *vitalRepoPG) Create(ctx context.Context, v *Vital) error {
	v.ID = uuid.New().String()
	return r.pool.QueryRow(ctx, `
		INSERT INTO vital (id, patient_id, recorded_by, kind, value, unit)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING recorded_at`,
		v.ID, v.PatientID, v.RecordedBy, v.Kind, v.Value, v.Unit).Scan(&v.RecordedAt)
}

// =========== Availability Repository ===========

type availabilityRepoPG struct{ pool *pgxpool.Pool }

func NewAvailabilityRepoPG(pool *pgxpool.Pool) AvailabilityRepository {
	return &availabilityRepoPG{pool: pool}
}

func (r *availabilityRepoPG) Upsert(ctx context.Context, a *Availability) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO doctor_availability (doctor_id, available, note)
		VALUES ($1,$2,$3)
		ON CONFLICT (doctor_id) DO UPDATE SET available = EXCLUDED.available, note = EXCLUDED.note, updated_at = NOW()
		RETURNING updated_at`,
		a.DoctorID, a.Available, a.Note).Scan(&a.UpdatedAt)
}

func (r *availabilityRepoPG) ListAvailableDoctors(ctx context.Context, specialties []string) ([]*DoctorSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.name, COALESCE(u.specialty, '')
		FROM app_user u JOIN doctor_availability a ON a.doctor_id = u.id
		WHERE u.role = 'DOCTOR' AND a.available
			AND ($1::text[] IS NULL OR u.specialty = ANY($1))
		ORDER BY u.name`, specialties)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DoctorSummary
	for rows.Next() {
		var d DoctorSummary
		if err := rows.Scan(&d.ID, &d.Name, &d.Specialty); err != nil {
			return nil, err
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

func (r *availabilityRepoPG) CountAvailable(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM doctor_availability WHERE available`).Scan(&n)
	return n, err
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository { return &messageRepoPG{pool: pool} }

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	m.ID = uuid.New().String()
	return r.pool.QueryRow(ctx, `
		INSERT INTO message (id, sender_id, recipient_id, body)
		VALUES ($1,$2,$3,$4)
		RETURNING sent_at`,
		m.ID, m.SenderID, m.RecipientID, m.Body).Scan(&m.SentAt)
}

// =========== Notification Repository ===========

type notificationRepoPG struct{ pool *pgxpool.Pool }

func NewNotificationRepoPG(pool *pgxpool.Pool) NotificationRepository {
	return &notificationRepoPG{pool: pool}
}

func (r *notificationRepoPG) Create(ctx context.Context, n *Notification) error {
	n.ID = uuid.New().String()
	return r.pool.QueryRow(ctx, `
		INSERT INTO notification (id, category, title, body, severity, user_id, target_role, broadcast, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		n.ID, n.Category, n.Title, n.Body, n.Severity, n.UserID, n.TargetRole, n.Broadcast, n.CreatedBy).
		Scan(&n.CreatedAt)
}

// =========== Reminder Repository ===========

type reminderRepoPG struct{ pool *pgxpool.Pool }

func NewReminderRepoPG(pool *pgxpool.Pool) ReminderRepository { return &reminderRepoPG{pool: pool} }

func (r *reminderRepoPG) Create(ctx context.Context, rem *Reminder) error {
	rem.ID = uuid.New().String()
	return r.pool.QueryRow(ctx, `
		INSERT INTO reminder (id, patient_id, appointment_id, message, remind_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		rem.ID, rem.PatientID, rem.AppointmentID, rem.Message, rem.RemindAt, rem.CreatedBy).
		Scan(&rem.CreatedAt)
}

// =========== Consultation Repository ===========

type consultationRepoPG struct{ pool *pgxpool.Pool }

func NewConsultationRepoPG(pool *pgxpool.Pool) ConsultationRepository {
	return &consultationRepoPG{pool: pool}
}

func (r *consultationRepoPG) ListPendingUnassigned(ctx context.Context, limit int) ([]*Consultation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, patient_id, doctor_id, specialty, status, created_at
		FROM consultation
		WHERE status = 'PENDING' AND doctor_id IS NULL
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending consultations: %w", err)
	}
	defer rows.Close()
	var items []*Consultation
	for rows.Next() {
		var c Consultation
		if err := rows.Scan(&c.ID, &c.PatientID, &c.DoctorID, &c.Specialty, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &c)
	}
	return items, rows.Err()
}

func (r *consultationRepoPG) CountPendingUnassigned(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM consultation WHERE status = 'PENDING' AND doctor_id IS NULL`).Scan(&n)
	return n, err
}
