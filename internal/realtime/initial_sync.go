package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/careflow/internal/domain/clinic"
)

// SnapshotStore is the read-only slice of the data store used to build
// catch-up snapshots.
type SnapshotStore interface {
	UpcomingAppointments(ctx context.Context, patientID string, now time.Time) ([]*clinic.Appointment, error)
	TodaysAppointments(ctx context.Context, doctorID string, now time.Time) ([]*clinic.Appointment, error)
	PendingConsultations(ctx context.Context) ([]*clinic.Consultation, error)
	AvailableDoctors(ctx context.Context, specialties []string) ([]*clinic.DoctorSummary, error)
	Counts(ctx context.Context, now time.Time) (*clinic.Counts, error)
}

// SnapshotBuilder computes the catch-up payload for one role.
type SnapshotBuilder interface {
	Build(ctx context.Context, userID string, now time.Time) (interface{}, error)
}

// SnapshotFunc adapts a function to SnapshotBuilder.
type SnapshotFunc func(ctx context.Context, userID string, now time.Time) (interface{}, error)

func (f SnapshotFunc) Build(ctx context.Context, userID string, now time.Time) (interface{}, error) {
	return f(ctx, userID, now)
}

// InitialSyncProvider pushes a role-specific snapshot to a newly
// authenticated connection. Roles without a builder get no snapshot.
type InitialSyncProvider struct {
	router   *Router
	builders map[clinic.Role]SnapshotBuilder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewInitialSyncProvider registers the default builders for patients,
// doctors, control-room staff and administrators.
func NewInitialSyncProvider(store SnapshotStore, router *Router, logger zerolog.Logger) *InitialSyncProvider {
	p := &InitialSyncProvider{
		router:   router,
		builders: make(map[clinic.Role]SnapshotBuilder),
		logger:   logger.With().Str("component", "initial_sync").Logger(),
		now:      time.Now,
	}
	p.Register(clinic.RolePatient, patientSnapshot{store})
	p.Register(clinic.RoleDoctor, doctorSnapshot{store})
	p.Register(clinic.RoleControlRoom, controlRoomSnapshot{store})
	p.Register(clinic.RoleAdmin, adminSnapshot{store})
	return p
}

// Register installs or replaces the builder for role.
func (p *InitialSyncProvider) Register(role clinic.Role, b SnapshotBuilder) {
	p.builders[role] = b
}

// Push builds and delivers the snapshot for id to connID only. It reports
// whether a snapshot was delivered.
func (p *InitialSyncProvider) Push(ctx context.Context, connID string, id Identity) bool {
	b, ok := p.builders[id.Role]
	if !ok {
		return false
	}
	data, err := b.Build(ctx, id.UserID, p.now())
	if err != nil {
		p.logger.Error().Err(err).Str("conn", connID).Str("role", string(id.Role)).Msg("snapshot build failed")
		p.router.SendTo(connID, KindError, ErrorPayload{
			Code:    "initial_sync_failed",
			Message: "could not load initial data",
			Event:   string(KindInitialSync),
		})
		return false
	}
	return p.router.SendTo(connID, KindInitialSync, InitialSyncPayload{Role: id.Role, Data: data})
}

type patientSnapshot struct{ store SnapshotStore }

func (s patientSnapshot) Build(ctx context.Context, userID string, now time.Time) (interface{}, error) {
	appts, err := s.store.UpcomingAppointments(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"upcomingAppointments": nonNil(appts)}, nil
}

type doctorSnapshot struct{ store SnapshotStore }

func (s doctorSnapshot) Build(ctx context.Context, userID string, now time.Time) (interface{}, error) {
	appts, err := s.store.TodaysAppointments(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"todaysAppointments": nonNil(appts)}, nil
}

type controlRoomSnapshot struct{ store SnapshotStore }

func (s controlRoomSnapshot) Build(ctx context.Context, _ string, _ time.Time) (interface{}, error) {
	var (
		pending []*clinic.Consultation
		doctors []*clinic.DoctorSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pending, err = s.store.PendingConsultations(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		doctors, err = s.store.AvailableDoctors(gctx, nil)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(pending))
	for _, c := range pending {
		wanted[c.Specialty] = true
	}
	matching := make([]*clinic.DoctorSummary, 0, len(doctors))
	for _, d := range doctors {
		if wanted[d.Specialty] {
			matching = append(matching, d)
		}
	}
	return map[string]interface{}{
		"pendingConsultations": nonNil(pending),
		"availableDoctors":     matching,
	}, nil
}

type adminSnapshot struct{ store SnapshotStore }

func (s adminSnapshot) Build(ctx context.Context, _ string, now time.Time) (interface{}, error) {
	return s.store.Counts(ctx, now)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
