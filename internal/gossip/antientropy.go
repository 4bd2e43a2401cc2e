package gossip

import (
	"context"
	"fmt"

	"github.com/DobryySoul/gossipstate/internal/envelope"
	"github.com/DobryySoul/gossipstate/internal/protocol"
)

// Offer broadcasts an offering summarising every stored envelope.
func (r *Replicator) Offer(ctx context.Context) error {
	all, err := r.store.GetAll(ctx)
	if err != nil {
		return err
	}
	offering := make(envelope.Offering, len(all))
	for _, env := range all {
		offering[env.ID] = env.Timestamp
	}
	if err := r.transport.Broadcast(ctx, protocol.NewOffering(r.namespace, offering)); err != nil {
		return err
	}
	r.metrics.OfferingsSent.Inc()
	return nil
}

// handleOffering requests every advertised envelope we lack or hold an older version of.
func (r *Replicator) handleOffering(source string, offering envelope.Offering) {
	if source == "" {
		return
	}
	for id, remoteTimestamp := range offering {
		local, err := r.store.Get(r.ctx, id)
		switch {
		case isNotFound(err):
		case err != nil:
			r.reportErr(fmt.Errorf("gossip: load %q: %w", id, err))
			continue
		case local.Timestamp >= remoteTimestamp:
			continue
		}
		if err := r.transport.Broadcast(r.ctx, protocol.NewRequest(r.namespace, id, source)); err != nil {
			r.reportErr(fmt.Errorf("gossip: request %q from %s: %w", id, source, err))
			continue
		}
		r.metrics.RequestsSent.Inc()
	}
}

// handleRequest replies to the requester with the stored envelope, if any.
func (r *Replicator) handleRequest(source, id string) {
	if !r.limiter.Allow(source, r.clock()) {
		r.metrics.RequestsDropped.Inc()
		r.log.Debug("state-request rate limited", "from", source, "id", id)
		return
	}
	env, err := r.store.Get(r.ctx, id)
	if isNotFound(err) {
		return
	}
	if err != nil {
		r.reportErr(fmt.Errorf("gossip: load %q: %w", id, err))
		return
	}
	msg := protocol.NewUpdate(r.namespace, env)
	msg.Destination = source
	if err := r.transport.Broadcast(r.ctx, msg); err != nil {
		r.reportErr(fmt.Errorf("gossip: reply %q to %s: %w", id, source, err))
		return
	}
	r.metrics.RequestsServed.Inc()
}
