package realtime

import (
	"context"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
)

// Fanout implements domain.PushPublisher. With a bus every replica's hub gets
// the event through the bus subscription; without one it dispatches locally.
type Fanout struct {
	hub *Hub
	bus domain.PushPublisher
}

func NewFanout(hub *Hub, bus domain.PushPublisher) *Fanout {
	return &Fanout{hub: hub, bus: bus}
}

func (f *Fanout) Push(ctx context.Context, ev domain.PushEvent) error {
	if f.bus == nil {
		f.hub.Dispatch(ev)
		return nil
	}
	if err := f.bus.Push(ctx, ev); err != nil {
		// at least reach the connections on this replica
		logger.WithCtx(ctx).Warn().Err(err).Str("event", ev.Name).Msg("push bus unavailable; dispatching locally")
		f.hub.Dispatch(ev)
		return err
	}
	return nil
}
