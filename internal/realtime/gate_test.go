package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/careflow/internal/domain/clinic"
)

func TestGate_Success(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("c1")

	if err := h.gate.HandleAuthenticate(context.Background(), "c1", "doc-1", clinic.RoleDoctor); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := drain(conn)
	if len(frames) != 2 || frames[0].Event != string(KindAuthenticated) || frames[1].Event != string(KindInitialSync) {
		t.Fatalf("expected [authenticated initial_sync], got %v", events(frames))
	}
	var p AuthenticatedPayload
	decodePayload(t, frames[0], &p)
	if !p.Authenticated || p.UserID != "doc-1" || p.Role != clinic.RoleDoctor {
		t.Errorf("authenticated payload = %+v", p)
	}
	if n := h.registry.ChannelCount("user:doc-1"); n != 1 {
		t.Errorf("user:doc-1 count = %d", n)
	}
	if n := h.registry.ChannelCount("role:DOCTOR"); n != 1 {
		t.Errorf("role:DOCTOR count = %d", n)
	}
}

func TestGate_LogsJoinedChannels(t *testing.T) {
	h := newHarness(t)
	h.connect("c1")
	var buf bytes.Buffer
	gate := NewGate(h.registry, h.router, h.store, nil, zerolog.New(&buf))

	if err := gate.HandleAuthenticate(context.Background(), "c1", "cr-1", clinic.RoleControlRoom); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line struct {
		Message  string   `json:"message"`
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q", buf.String())
	}
	if line.Message != "connection authenticated" || len(line.Channels) != 2 ||
		line.Channels[0] != "user:cr-1" || line.Channels[1] != "role:CONTROL_ROOM" {
		t.Errorf("unexpected log line %+v", line)
	}
}

func TestGate_RoleMismatch(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("c1")

	err := h.gate.HandleAuthenticate(context.Background(), "c1", "pat-7", clinic.RoleDoctor)
	if !errors.Is(err, ErrAuthenticationMismatch) {
		t.Fatalf("expected ErrAuthenticationMismatch, got %v", err)
	}

	f := expectOnly(t, conn, KindAuthenticated)
	var p AuthenticatedPayload
	decodePayload(t, f, &p)
	if p.Authenticated {
		t.Error("mismatched role must not authenticate")
	}
	if n := h.registry.ChannelCount("role:DOCTOR"); n != 0 {
		t.Errorf("role:DOCTOR must stay empty, has %d", n)
	}
	if h.registry.Count() != 1 {
		t.Error("connection should stay open after a failed authenticate")
	}
}

func TestGate_UnknownUser(t *testing.T) {
	h := newHarness(t)
	h.connect("c1")

	err := h.gate.HandleAuthenticate(context.Background(), "c1", "nobody", clinic.RolePatient)
	if !errors.Is(err, ErrAuthenticationMismatch) {
		t.Fatalf("expected ErrAuthenticationMismatch, got %v", err)
	}
}

func TestGate_InvalidClaim(t *testing.T) {
	h := newHarness(t)
	h.connect("c1")

	for _, tc := range []struct {
		user string
		role clinic.Role
	}{
		{"", clinic.RolePatient},
		{"pat-7", "SUPERUSER"},
	} {
		err := h.gate.HandleAuthenticate(context.Background(), "c1", tc.user, tc.role)
		if !errors.Is(err, ErrAuthenticationMismatch) {
			t.Errorf("%q/%q: expected ErrAuthenticationMismatch, got %v", tc.user, tc.role, err)
		}
	}
}

func TestGate_DirectoryFailure(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("c1")
	h.store.lookupErr = errDBDown

	err := h.gate.HandleAuthenticate(context.Background(), "c1", "pat-7", clinic.RolePatient)
	if !errors.Is(err, errDBDown) {
		t.Fatalf("expected wrapped directory error, got %v", err)
	}
	f := expectOnly(t, conn, KindAuthenticated)
	var p AuthenticatedPayload
	decodePayload(t, f, &p)
	if p.Authenticated || p.Reason != "directory unavailable" {
		t.Errorf("payload = %+v", p)
	}
}

func TestGate_FailedReauthDropsPreviousIdentity(t *testing.T) {
	h := newHarness(t)
	conn := h.login(t, "c1", "doc-1", clinic.RoleDoctor)

	_ = h.gate.HandleAuthenticate(context.Background(), "c1", "adm-1", clinic.RoleDoctor)
	drain(conn)

	id, _ := h.registry.Identity("c1")
	if id.Authenticated() {
		t.Errorf("identity should be dropped after a failed re-authenticate, got %+v", id)
	}
	if n := h.registry.ChannelCount("user:doc-1"); n != 0 {
		t.Errorf("user:doc-1 count = %d", n)
	}
}

func TestGate_UnknownConnection(t *testing.T) {
	h := newHarness(t)

	err := h.gate.HandleAuthenticate(context.Background(), "ghost", "doc-1", clinic.RoleDoctor)
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
	if h.store.callCount("today") != 0 {
		t.Error("no snapshot should be built for an unknown connection")
	}
}
