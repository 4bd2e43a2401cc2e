package gossip

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/DobryySoul/gossipstate/internal/envelope"
	"github.com/DobryySoul/gossipstate/internal/metrics"
	"github.com/DobryySoul/gossipstate/internal/protocol"
)

// ErrSuperseded is returned by Set when a newer envelope for the local
// identity was committed while the new one was being signed.
var ErrSuperseded = errors.New("gossip: newer own envelope already stored")

// handleUpdate runs the cheap checks inline and verifies the signature off
// the dispatch loop. The commit re-checks freshness, so verifications may
// finish in any order.
func (r *Replicator) handleUpdate(env envelope.Envelope) {
	if reason := r.precheck(env); reason != "" {
		r.reject(env, reason)
		return
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		if err := r.verifySem.Acquire(r.ctx, 1); err != nil {
			return
		}
		ok := r.verify(r.ctx, env)
		r.verifySem.Release(1)
		if !ok {
			r.reject(env, metrics.ReasonSignature)
			return
		}
		r.accept(env)
	}()
}

func (r *Replicator) precheck(env envelope.Envelope) string {
	if !r.acl.Permits(env.PublicKey) {
		return metrics.ReasonForbidden
	}
	if r.strictIdentity != nil && !r.strictIdentity(env.ID, env.PublicKey) {
		return metrics.ReasonIdentity
	}
	local, err := r.store.Get(r.ctx, env.ID)
	if err != nil {
		if !isNotFound(err) {
			r.reportErr(fmt.Errorf("gossip: load %q: %w", env.ID, err))
			return metrics.ReasonStore
		}
		return ""
	}
	if !env.NewerThan(local) {
		return metrics.ReasonStale
	}
	return ""
}

func (r *Replicator) accept(env envelope.Envelope) {
	reason, err := r.commit(r.ctx, env, true)
	if err != nil {
		r.reportErr(fmt.Errorf("gossip: commit %q: %w", env.ID, err))
		return
	}
	if reason != "" {
		r.reject(env, reason)
		return
	}
	r.metrics.UpdatesAccepted.Inc()
	r.log.Debug("state-update accepted", "id", env.ID, "timestamp", env.Timestamp)
}

func (r *Replicator) reject(env envelope.Envelope, reason string) {
	r.metrics.Rejected(reason)
	r.log.Debug("state-update rejected", "id", env.ID, "timestamp", env.Timestamp, "reason", reason)
}

func (r *Replicator) verify(ctx context.Context, env envelope.Envelope) bool {
	if r.verified == nil {
		return envelope.Verify(ctx, r.crypto, env)
	}
	key := verifyCacheKey(env)
	if r.verified.Contains(key) {
		return true
	}
	if !envelope.Verify(ctx, r.crypto, env) {
		return false
	}
	r.verified.Add(key, struct{}{})
	return true
}

func verifyCacheKey(env envelope.Envelope) [blake2b.Size256]byte {
	payload := env.SigningBytes()
	payload = append(payload, env.Signature...)
	return blake2b.Sum256(payload)
}

// commit writes env if it is strictly newer than the stored envelope and,
// when checkACL is set, its key is still permitted. It returns a rejection
// reason, or "" once committed and subscribers have been notified.
func (r *Replicator) commit(ctx context.Context, env envelope.Envelope, checkACL bool) (string, error) {
	reason, err := r.writeIfNewer(ctx, env, checkACL)
	if reason != "" || err != nil {
		return reason, err
	}
	r.notify()
	return "", nil
}

func (r *Replicator) writeIfNewer(ctx context.Context, env envelope.Envelope, checkACL bool) (string, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if checkACL && !r.acl.Permits(env.PublicKey) {
		return metrics.ReasonForbidden, nil
	}
	local, err := r.store.Get(ctx, env.ID)
	switch {
	case isNotFound(err):
	case err != nil:
		return "", err
	case !env.NewerThan(local):
		return metrics.ReasonStale, nil
	}
	if err := r.store.Set(ctx, env.ID, env); err != nil {
		return "", err
	}
	r.refreshGauge(ctx)
	return "", nil
}

// Set signs state as the local identity's new envelope, commits it and
// broadcasts it. Signing and storage failures are returned; a failed
// broadcast is only reported since the next offering recovers from it.
func (r *Replicator) Set(ctx context.Context, state []byte) (envelope.Envelope, error) {
	r.setMu.Lock()
	defer r.setMu.Unlock()

	timestamp := r.clock().UnixMilli()
	own, err := r.store.Get(ctx, r.address)
	switch {
	case isNotFound(err):
	case err != nil:
		return envelope.Envelope{}, fmt.Errorf("gossip: load own envelope: %w", err)
	case own.Timestamp >= timestamp:
		timestamp = own.Timestamp + 1
	}

	env, err := envelope.Wrap(ctx, r.crypto, r.secret, r.address, r.publicKey, state, timestamp)
	if err != nil {
		return envelope.Envelope{}, err
	}
	reason, err := r.commit(ctx, env, false)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("gossip: commit own envelope: %w", err)
	}
	if reason != "" {
		return envelope.Envelope{}, ErrSuperseded
	}
	if err := r.transport.Broadcast(ctx, protocol.NewUpdate(r.namespace, env)); err != nil {
		r.reportErr(fmt.Errorf("gossip: broadcast update: %w", err))
	}
	return env, nil
}

// Get returns the stored envelope for id or storage.ErrNotFound.
func (r *Replicator) Get(ctx context.Context, id string) (envelope.Envelope, error) {
	return r.store.Get(ctx, id)
}

func (r *Replicator) GetAll(ctx context.Context) ([]envelope.Envelope, error) {
	return r.store.GetAll(ctx)
}

// Clear purges every stored envelope and notifies subscribers once.
func (r *Replicator) Clear(ctx context.Context) error {
	r.commitMu.Lock()
	err := r.store.Clear(ctx)
	if err == nil {
		r.refreshGauge(ctx)
	}
	r.commitMu.Unlock()
	if err != nil {
		return fmt.Errorf("gossip: clear: %w", err)
	}
	r.notify()
	return nil
}

// Deny blocks publicKey and purges the envelopes it signed. The purge runs
// even for an already denied key, so a Deny that failed half way can be
// retried. Subscribers are notified if anything was purged.
func (r *Replicator) Deny(ctx context.Context, publicKey string) error {
	removed, err := r.denyAndPurge(ctx, publicKey)
	if removed > 0 {
		r.notify()
	}
	return err
}

func (r *Replicator) denyAndPurge(ctx context.Context, publicKey string) (int, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.acl.Deny(publicKey)
	all, err := r.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("gossip: deny: %w", err)
	}
	removed := 0
	for _, env := range all {
		if env.PublicKey != publicKey {
			continue
		}
		if err := r.store.Remove(ctx, env.ID); err != nil {
			r.refreshGauge(ctx)
			return removed, fmt.Errorf("gossip: deny: remove %q: %w", env.ID, err)
		}
		removed++
	}
	if removed > 0 {
		r.refreshGauge(ctx)
	}
	r.log.Debug("denied identity", "public_key", publicKey, "purged", removed)
	return removed, nil
}

// Undeny lifts a deny. Purged state comes back through later offerings.
func (r *Replicator) Undeny(publicKey string) {
	r.acl.Undeny(publicKey)
}

// Allow adds publicKey to the allow-set; a non-empty allow-set admits only its members.
func (r *Replicator) Allow(publicKey string) {
	r.acl.Allow(publicKey)
}

func (r *Replicator) Unallow(publicKey string) {
	r.acl.Unallow(publicKey)
}
