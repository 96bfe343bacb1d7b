package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jagalchi-dev/aicore/internal/db"
	"github.com/jagalchi-dev/aicore/internal/domain"
)

var keyPrefix = domain.KeyPrefix + "snap:"

// store is the consumer interface for snapshot persistence (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Repo is the content-addressed snapshot store. Snapshots are append-only:
// a write for an existing fingerprint either no-ops (identical payload) or
// fails with ErrConflict (divergent payload). The backing store is the
// synchronization point between racing writers; no in-process lock is held.
type Repo struct {
	store     store
	retention time.Duration // 0 = keep forever
	logger    *zap.Logger
}

// New creates a snapshot repository.
func New(s store, logger *zap.Logger) *Repo {
	return &Repo{store: s, logger: logger}
}

// WithRetention sets the snapshot TTL applied at write time. Retention is
// an eviction policy layered on top of the store, never an identity
// mutation.
func (r *Repo) WithRetention(ttl time.Duration) *Repo {
	r.retention = ttl
	return r
}

// Get returns the snapshot for a fingerprint, or ErrSnapshotNotFound.
func (r *Repo) Get(ctx context.Context, pipeline string, fp domain.Fingerprint) (domain.Snapshot, error) {
	data, err := r.store.Get(ctx, snapKey(pipeline, fp))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domain.Snapshot{}, domain.ErrSnapshotNotFound
		}
		return domain.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("unmarshal snapshot %s: %w", fp, err)
	}
	return snap, nil
}

// Put persists a snapshot. If a snapshot with the same fingerprint already
// exists, an identical payload succeeds as a no-op and a divergent payload
// fails with ErrConflict — a conflict signals a fingerprinting defect
// upstream and is logged loudly, never silently overwritten.
//
// The write goes through the store's atomic SetNX so that racing writers
// for one fingerprint never both land: exactly one wins the key, the other
// is compared against the winner's payload.
func (r *Repo) Put(ctx context.Context, snap domain.Snapshot) error {
	key := snapKey(snap.Pipeline, snap.Fingerprint)

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	for {
		created, err := r.store.SetNX(ctx, key, data, r.retention)
		if err != nil {
			return fmt.Errorf("put snapshot: %w", err)
		}
		if created {
			return nil
		}

		existing, err := r.store.Get(ctx, key)
		if errors.Is(err, db.ErrKeyNotFound) {
			// Evicted between the failed write and the read; try again.
			continue
		}
		if err != nil {
			return fmt.Errorf("check existing snapshot: %w", err)
		}

		same, err := samePayload(existing, snap.Payload)
		if err != nil {
			return err
		}
		if same {
			return nil
		}
		r.logger.Error("Snapshot payload conflict, refusing to overwrite",
			zap.String("pipeline", snap.Pipeline),
			zap.String("fingerprint", string(snap.Fingerprint)),
		)
		return fmt.Errorf("%w: fingerprint %s", domain.ErrConflict, snap.Fingerprint)
	}
}

// Invalidate removes a snapshot; subsequent Get returns ErrSnapshotNotFound.
// Removing a missing snapshot is not an error.
func (r *Repo) Invalidate(ctx context.Context, pipeline string, fp domain.Fingerprint) error {
	if err := r.store.Del(ctx, snapKey(pipeline, fp)); err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}

// ListByPrefix returns all snapshots of a pipeline in fingerprint order,
// for batch recomputation and auditing. Snapshots evicted between the key
// scan and the read are skipped.
func (r *Repo) ListByPrefix(ctx context.Context, pipeline string) ([]domain.Snapshot, error) {
	keys, err := r.store.Scan(ctx, keyPrefix+pipeline+":*")
	if err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}
	sort.Strings(keys)

	snaps := make([]domain.Snapshot, 0, len(keys))
	for _, key := range keys {
		fp := domain.Fingerprint(strings.TrimPrefix(key, keyPrefix+pipeline+":"))
		snap, err := r.Get(ctx, pipeline, fp)
		if errors.Is(err, domain.ErrSnapshotNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func snapKey(pipeline string, fp domain.Fingerprint) string {
	return keyPrefix + pipeline + ":" + string(fp)
}

// samePayload compares the stored snapshot's payload with the candidate's
// via canonical JSON (encoding/json sorts object keys). The volatile
// created_at envelope field is excluded: two racing computations of one
// fingerprint legitimately differ only in their timestamps.
func samePayload(existing []byte, payload map[string]any) (bool, error) {
	var stored domain.Snapshot
	if err := json.Unmarshal(existing, &stored); err != nil {
		return false, fmt.Errorf("unmarshal existing snapshot: %w", err)
	}
	a, err := canonicalPayload(stored.Payload)
	if err != nil {
		return false, fmt.Errorf("stored payload: %w", err)
	}
	b, err := canonicalPayload(payload)
	if err != nil {
		return false, fmt.Errorf("candidate payload: %w", err)
	}
	return bytes.Equal(a, b), nil
}

func canonicalPayload(payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("round-trip: %w", err)
	}
	delete(m, "created_at")
	return json.Marshal(m)
}
