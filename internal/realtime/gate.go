package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/careflow/internal/domain/clinic"
)

// UserDirectory resolves a user id to its stored identity. It returns
// clinic.ErrNotFound for unknown users.
type UserDirectory interface {
	LookupUser(ctx context.Context, id string) (*clinic.User, error)
}

// Gate admits a connection into its user and role channels once the claimed
// identity matches the directory.
type Gate struct {
	registry  *Registry
	router    *Router
	directory UserDirectory
	sync      *InitialSyncProvider
	logger    zerolog.Logger
}

func NewGate(registry *Registry, router *Router, directory UserDirectory, sync *InitialSyncProvider, logger zerolog.Logger) *Gate {
	return &Gate{
		registry:  registry,
		router:    router,
		directory: directory,
		sync:      sync,
		logger:    logger.With().Str("component", "gate").Logger(),
	}
}

// HandleAuthenticate verifies the claimed identity and, on success, joins the
// connection to its channels and pushes the role snapshot. On failure the
// connection is left unauthenticated (any earlier identity is dropped) and
// open so the client may retry. The outcome is always reported to the
// connection as an "authenticated" event.
func (g *Gate) HandleAuthenticate(ctx context.Context, connID, claimedUserID string, claimedRole clinic.Role) error {
	err := g.verify(ctx, claimedUserID, claimedRole)
	if err == nil {
		err = g.registry.Authenticate(connID, claimedUserID, claimedRole)
	}
	if err != nil {
		reason := "identity mismatch"
		switch {
		case errors.Is(err, ErrUnknownConnection):
			return err
		case !errors.Is(err, ErrAuthenticationMismatch):
			reason = "directory unavailable"
			g.logger.Error().Err(err).Str("conn", connID).Str("user", claimedUserID).Msg("user lookup failed")
		default:
			g.logger.Info().Str("conn", connID).Str("user", claimedUserID).Str("role", string(claimedRole)).Msg("authentication rejected")
		}
		g.registry.Revoke(connID)
		g.router.SendTo(connID, KindAuthenticated, AuthenticatedPayload{Authenticated: false, Reason: reason})
		return err
	}

	g.logger.Info().
		Str("conn", connID).
		Str("user", claimedUserID).
		Str("role", string(claimedRole)).
		Strs("channels", g.registry.Channels(connID)).
		Msg("connection authenticated")
	g.router.SendTo(connID, KindAuthenticated, AuthenticatedPayload{
		Authenticated: true,
		UserID:        claimedUserID,
		Role:          claimedRole,
	})
	if g.sync != nil {
		g.sync.Push(ctx, connID, Identity{UserID: claimedUserID, Role: claimedRole})
	}
	return nil
}

func (g *Gate) verify(ctx context.Context, userID string, role clinic.Role) error {
	if userID == "" || !role.Valid() {
		return ErrAuthenticationMismatch
	}
	user, err := g.directory.LookupUser(ctx, userID)
	if errors.Is(err, clinic.ErrNotFound) {
		return ErrAuthenticationMismatch
	}
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if user.Role != role {
		return ErrAuthenticationMismatch
	}
	return nil
}
