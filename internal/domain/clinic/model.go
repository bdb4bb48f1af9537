package clinic

import (
	"time"
)

// Role is the stored role of an application user.
type Role string

const (
	RoleAdmin       Role = "ADMIN"
	RoleDoctor      Role = "DOCTOR"
	RolePatient     Role = "PATIENT"
	RoleAttendant   Role = "ATTENDANT"
	RoleControlRoom Role = "CONTROL_ROOM"
)

var validRoles = map[Role]bool{
	RoleAdmin: true, RoleDoctor: true, RolePatient: true,
	RoleAttendant: true, RoleControlRoom: true,
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return validRoles[r] }

// User maps to the app_user table. Only identity and role are read here.
type User struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Role      Role      `db:"role" json:"role"`
	Specialty *string   `db:"specialty" json:"specialty,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Appointment maps to the appointment table.
type Appointment struct {
	ID          string    `db:"id" json:"id"`
	PatientID   string    `db:"patient_id" json:"patientId"`
	DoctorID    string    `db:"doctor_id" json:"doctorId"`
	Status      string    `db:"status" json:"status"`
	Reason      *string   `db:"reason" json:"reason,omitempty"`
	ScheduledAt time.Time `db:"scheduled_at" json:"scheduledAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Vital maps to the vital table.
type Vital struct {
	ID         string    `db:"id" json:"id"`
	PatientID  string    `db:"patient_id" json:"patientId"`
	RecordedBy string    `db:"recorded_by" json:"recordedBy"`
	Kind       string    `db:"kind" json:"kind"`
	Value      float64   `db:"value" json:"value"`
	Unit       string    `db:"unit" json:"unit"`
	RecordedAt time.Time `db:"recorded_at" json:"recordedAt"`
}

// Availability maps to the doctor_availability table.
type Availability struct {
	DoctorID  string    `db:"doctor_id" json:"doctorId"`
	Available bool      `db:"available" json:"available"`
	Note      *string   `db:"note" json:"note,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Message maps to the message table.
type Message struct {
	ID          string    `db:"id" json:"id"`
	SenderID    string    `db:"sender_id" json:"senderId"`
	RecipientID string    `db:"recipient_id" json:"recipientId"`
	Body        string    `db:"body" json:"body"`
	SentAt      time.Time `db:"sent_at" json:"sentAt"`
}

// Notification maps to the notification table. Exactly one of UserID,
// TargetRole or Broadcast describes the audience.
type Notification struct {
	ID         string    `db:"id" json:"id"`
	Category   string    `db:"category" json:"category"`
	Title      string    `db:"title" json:"title"`
	Body       string    `db:"body" json:"body"`
	Severity   string    `db:"severity" json:"severity"`
	UserID     *string   `db:"user_id" json:"userId,omitempty"`
	TargetRole *Role     `db:"target_role" json:"targetRole,omitempty"`
	Broadcast  bool      `db:"broadcast" json:"broadcast"`
	CreatedBy  *string   `db:"created_by" json:"createdBy,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// Reminder maps to the reminder table.
type Reminder struct {
	ID            string    `db:"id" json:"id"`
	PatientID     string    `db:"patient_id" json:"patientId"`
	AppointmentID *string   `db:"appointment_id" json:"appointmentId,omitempty"`
	Message       string    `db:"message" json:"message"`
	RemindAt      time.Time `db:"remind_at" json:"remindAt"`
	CreatedBy     string    `db:"created_by" json:"createdBy"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// Consultation maps to the consultation table. DoctorID is nil while the
// consultation is unassigned.
type Consultation struct {
	ID        string    `db:"id" json:"id"`
	PatientID string    `db:"patient_id" json:"patientId"`
	DoctorID  *string   `db:"doctor_id" json:"doctorId,omitempty"`
	Specialty string    `db:"specialty" json:"specialty"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// DoctorSummary is a doctor as listed in control-room snapshots.
type DoctorSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Specialty string `json:"specialty"`
}

// Counts holds the aggregate figures shown to administrators.
type Counts struct {
	Patients             int `json:"patients"`
	Doctors              int `json:"doctors"`
	Attendants           int `json:"attendants"`
	AppointmentsToday    int `json:"appointmentsToday"`
	PendingConsultations int `json:"pendingConsultations"`
	AvailableDoctors     int `json:"availableDoctors"`
}
