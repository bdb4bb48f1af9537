package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/careflow/internal/domain/clinic"
)

// fakeStore implements UserDirectory, DataStore and SnapshotStore in memory.
type fakeStore struct {
	mu sync.Mutex

	users            map[string]*clinic.User
	appointments     map[string]*clinic.Appointment
	doctorsByPatient map[string][]string
	pending          []*clinic.Consultation
	available        []*clinic.DoctorSummary

	fail      map[string]error
	panicOn   map[string]bool
	lookupErr error
	calls     []string
	seq       int
}

func newFakeStore() *fakeStore {
	s := &fakeStore{
		users:            make(map[string]*clinic.User),
		appointments:     make(map[string]*clinic.Appointment),
		doctorsByPatient: make(map[string][]string),
		fail:             make(map[string]error),
		panicOn:          make(map[string]bool),
	}
	s.addUser("doc-1", clinic.RoleDoctor, "cardiology")
	s.addUser("doc-2", clinic.RoleDoctor, "dermatology")
	s.addUser("pat-7", clinic.RolePatient, "")
	s.addUser("pat-8", clinic.RolePatient, "")
	s.addUser("cr-1", clinic.RoleControlRoom, "")
	s.addUser("adm-1", clinic.RoleAdmin, "")
	s.addUser("att-1", clinic.RoleAttendant, "")
	s.appointments["apt-9"] = &clinic.Appointment{
		ID:        "apt-9",
		PatientID: "pat-7",
		DoctorID:  "doc-1",
		Status:    "PENDING",
	}
	s.doctorsByPatient["pat-7"] = []string{"doc-1", "doc-2"}
	return s
}

func (s *fakeStore) addUser(id string, role clinic.Role, specialty string) {
	u := &clinic.User{ID: id, Name: id, Role: role}
	if specialty != "" {
		sp := specialty
		u.Specialty = &sp
	}
	s.users[id] = u
}

// enter records the call and applies any configured failure or panic.
func (s *fakeStore) enter(op string) error {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	err := s.fail[op]
	p := s.panicOn[op]
	s.seq++
	s.mu.Unlock()
	if p {
		panic(op + " exploded")
	}
	return err
}

func (s *fakeStore) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (s *fakeStore) nextID(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *fakeStore) LookupUser(_ context.Context, id string) (*clinic.User, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, clinic.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) UpdateAppointmentStatus(_ context.Context, appointmentID, status string) (*clinic.Appointment, error) {
	if err := s.enter("appointment"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[appointmentID]
	if !ok {
		return nil, clinic.ErrNotFound
	}
	a.Status = status
	cp := *a
	return &cp, nil
}

func (s *fakeStore) RecordVital(_ context.Context, v *clinic.Vital) (*clinic.Vital, error) {
	if err := s.enter("vital"); err != nil {
		return nil, err
	}
	v.ID = s.nextID("vital")
	return v, nil
}

func (s *fakeStore) DoctorsForPatient(_ context.Context, patientID string) ([]string, error) {
	if err := s.enter("doctors"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doctorsByPatient[patientID], nil
}

func (s *fakeStore) UpdateAvailability(_ context.Context, a *clinic.Availability) (*clinic.Availability, error) {
	if err := s.enter("availability"); err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now().UTC()
	return a, nil
}

func (s *fakeStore) SaveMessage(_ context.Context, m *clinic.Message) (*clinic.Message, error) {
	if err := s.enter("message"); err != nil {
		return nil, err
	}
	m.ID = s.nextID("msg")
	return m, nil
}

func (s *fakeStore) SaveNotification(_ context.Context, n *clinic.Notification) (*clinic.Notification, error) {
	if err := s.enter("notification"); err != nil {
		return nil, err
	}
	n.ID = s.nextID("ntf")
	if n.Severity == "" {
		n.Severity = "info"
	}
	return n, nil
}

func (s *fakeStore) SaveReminder(_ context.Context, r *clinic.Reminder) (*clinic.Reminder, error) {
	if err := s.enter("reminder"); err != nil {
		return nil, err
	}
	r.ID = s.nextID("rem")
	return r, nil
}

func (s *fakeStore) UpcomingAppointments(_ context.Context, patientID string, _ time.Time) ([]*clinic.Appointment, error) {
	if err := s.enter("upcoming"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*clinic.Appointment
	for _, a := range s.appointments {
		if a.PatientID == patientID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) TodaysAppointments(_ context.Context, doctorID string, _ time.Time) ([]*clinic.Appointment, error) {
	if err := s.enter("today"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*clinic.Appointment
	for _, a := range s.appointments {
		if a.DoctorID == doctorID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) PendingConsultations(_ context.Context) ([]*clinic.Consultation, error) {
	if err := s.enter("pending"); err != nil {
		return nil, err
	}
	return s.pending, nil
}

func (s *fakeStore) AvailableDoctors(_ context.Context, _ []string) ([]*clinic.DoctorSummary, error) {
	if err := s.enter("available"); err != nil {
		return nil, err
	}
	return s.available, nil
}

func (s *fakeStore) Counts(_ context.Context, _ time.Time) (*clinic.Counts, error) {
	if err := s.enter("counts"); err != nil {
		return nil, err
	}
	return &clinic.Counts{Patients: 2, Doctors: 2, AvailableDoctors: 1}, nil
}

// harness wires a fresh registry, router, gate and dispatcher around a
// fakeStore.
type harness struct {
	registry   *Registry
	router     *Router
	store      *fakeStore
	sync       *InitialSyncProvider
	gate       *Gate
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	store := newFakeStore()
	reg := NewRegistry()
	router := NewRouter(reg, logger)
	provider := NewInitialSyncProvider(store, router, logger)
	gate := NewGate(reg, router, store, provider, logger)
	disp := NewDispatcher(reg, router, gate, store, logger)
	return &harness{registry: reg, router: router, store: store, sync: provider, gate: gate, dispatcher: disp}
}

func (h *harness) connect(id string) *Connection {
	conn := NewConnection(id, 64)
	h.registry.Register(conn)
	return conn
}

// login connects and authenticates a connection, then discards the
// authentication and snapshot frames.
func (h *harness) login(t *testing.T, connID, userID string, role clinic.Role) *Connection {
	t.Helper()
	conn := h.connect(connID)
	h.dispatcher.Dispatch(context.Background(), connID, Authenticate{UserID: userID, Role: role})
	frames := drain(conn)
	if len(frames) == 0 || frames[0].Event != string(KindAuthenticated) {
		t.Fatalf("login %s: expected authenticated frame, got %v", connID, events(frames))
	}
	var p AuthenticatedPayload
	decodePayload(t, frames[0], &p)
	if !p.Authenticated {
		t.Fatalf("login %s: authentication rejected: %s", connID, p.Reason)
	}
	return conn
}

// drain returns every frame currently queued on conn without blocking.
func drain(conn *Connection) []Frame {
	var out []Frame
	for {
		select {
		case raw, ok := <-conn.send:
			if !ok {
				return out
			}
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				panic(fmt.Sprintf("undecodable frame %q: %v", raw, err))
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func events(frames []Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func decodePayload(t *testing.T, f Frame, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(f.Payload, v); err != nil {
		t.Fatalf("decode %s payload: %v", f.Event, err)
	}
}

// expectOnly asserts that conn received exactly one frame of kind.
func expectOnly(t *testing.T, conn *Connection, kind Kind) Frame {
	t.Helper()
	frames := drain(conn)
	if len(frames) != 1 || frames[0].Event != string(kind) {
		t.Fatalf("%s: expected exactly [%s], got %v", conn.ID, kind, events(frames))
	}
	return frames[0]
}

func expectNothing(t *testing.T, conn *Connection) {
	t.Helper()
	if frames := drain(conn); len(frames) != 0 {
		t.Fatalf("%s: expected no frames, got %v", conn.ID, events(frames))
	}
}

func expectError(t *testing.T, conn *Connection, code string) ErrorPayload {
	t.Helper()
	f := expectOnly(t, conn, KindError)
	var p ErrorPayload
	decodePayload(t, f, &p)
	if p.Code != code {
		t.Fatalf("%s: expected error code %q, got %q (%s)", conn.ID, code, p.Code, p.Message)
	}
	return p
}

var errDBDown = errors.New("db down")
