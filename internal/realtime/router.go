package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Relay forwards routed events to other server instances.
type Relay interface {
	Publish(ctx context.Context, target Target, frame []byte) error
}

// RouterStats holds cumulative delivery counters.
type RouterStats struct {
	Routed    uint64 `json:"routed"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Router resolves event targets to live connections and enqueues the encoded
// frame on each. Resolution and enqueue happen under a single mutex, so every
// connection observes events in the order Route and SendTo were called.
type Router struct {
	registry *Registry
	logger   zerolog.Logger
	relay    Relay

	mu sync.Mutex

	routed    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewRouter(registry *Registry, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// SetRelay enables cross-instance fan-out. It must be called before the
// router is shared.
func (r *Router) SetRelay(relay Relay) { r.relay = relay }

// Route delivers ev to every live connection resolved from its target and
// returns the number of local deliveries. Drops are counted, never returned.
func (r *Router) Route(ctx context.Context, ev Event) int {
	frame, err := encodeFrame(ev.Kind, ev.Payload)
	if err != nil {
		r.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to encode event")
		return 0
	}
	r.routed.Add(1)

	n := r.deliver(ev.Target, string(ev.Kind), frame)

	if r.relay != nil {
		if err := r.relay.Publish(ctx, ev.Target, frame); err != nil {
			r.logger.Warn().Err(err).Str("target", ev.Target.String()).Msg("relay publish failed")
		}
	}
	return n
}

// DeliverRemote delivers a frame that another instance already routed. It
// is never relayed again.
func (r *Router) DeliverRemote(target Target, frame []byte) int {
	return r.deliver(target, "remote", frame)
}

// SendTo delivers a single event to one connection, bypassing channel
// resolution. It reports whether the frame was enqueued.
func (r *Router) SendTo(connID string, kind Kind, payload interface{}) bool {
	frame, err := encodeFrame(kind, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to encode event")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueue(connID, string(kind), frame)
}

// Stats returns a snapshot of the delivery counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Routed:    r.routed.Load(),
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
	}
}

func (r *Router) deliver(target Target, kind string, frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, id := range r.resolve(target) {
		if r.enqueue(id, kind, frame) {
			n++
		}
	}
	return n
}

func (r *Router) resolve(target Target) []string {
	switch target.Scope {
	case ScopeUser:
		return r.registry.MembersOf(UserChannel(target.UserID))
	case ScopeRole:
		return r.registry.MembersOf(RoleChannel(target.Role))
	case ScopeBroadcast:
		return r.registry.AuthenticatedMembers()
	default:
		r.logger.Warn().Str("scope", string(target.Scope)).Msg("unroutable target")
		return nil
	}
}

// enqueue must be called with mu held.
func (r *Router) enqueue(connID, kind string, frame []byte) bool {
	switch r.registry.Enqueue(connID, frame) {
	case Delivered:
		r.delivered.Add(1)
		return true
	case DroppedFull:
		r.dropped.Add(1)
		r.logger.Debug().Str("conn", connID).Str("kind", kind).Msg("outbound queue full, delivery dropped")
	case DroppedGone:
		r.dropped.Add(1)
		r.logger.Debug().Str("conn", connID).Str("kind", kind).Msg("connection gone, delivery dropped")
	}
	return false
}
