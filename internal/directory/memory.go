// Package directory provides the session affinity directory adapters. The
// directory is external durable state mapping a user (phone number and/or
// auth id) to the worker owning their session; adapters are selected by the
// `directory.type` config key.
package directory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// MemoryDirectory is an in-memory AffinityDirectory for local development
// and tests. It mirrors the row-per-user semantics of the durable adapters.
type MemoryDirectory struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	byPhone map[string]*dispatch.AffinityRecord
	byAuth  map[string][]*dispatch.AffinityRecord
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory(logger zerolog.Logger) *MemoryDirectory {
	return &MemoryDirectory{
		logger:  logger.With().Str("component", "memory_directory").Logger(),
		byPhone: make(map[string]*dispatch.AffinityRecord),
		byAuth:  make(map[string][]*dispatch.AffinityRecord),
	}
}

// Lookup implements dispatch.AffinityDirectory. Phone number takes
// precedence over auth id.
func (d *MemoryDirectory) Lookup(_ context.Context, key dispatch.Key) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if key.PhoneNumber != "" {
		if rec, ok := d.byPhone[key.PhoneNumber]; ok && rec.ServerID != "" {
			return rec.ServerID, nil
		}
	}
	if key.AuthID != "" {
		if recs := d.byAuth[key.AuthID]; len(recs) > 0 && recs[0].ServerID != "" {
			return recs[0].ServerID, nil
		}
	}
	return "", dispatch.ErrNoAffinity
}

// Bind implements dispatch.AffinityDirectory. An existing record for the
// same user is overwritten, not merged.
func (d *MemoryDirectory) Bind(_ context.Context, key dispatch.Key, workerID string) error {
	if key.Empty() {
		return dispatch.ErrMalformedPayload
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if key.PhoneNumber != "" {
		if rec, ok := d.byPhone[key.PhoneNumber]; ok {
			rec.ServerID = workerID
			if key.AuthID != "" && rec.AuthID == "" {
				rec.AuthID = key.AuthID
				d.byAuth[key.AuthID] = append(d.byAuth[key.AuthID], rec)
			}
			return nil
		}
	}

	rec := &dispatch.AffinityRecord{
		PhoneNumber: key.PhoneNumber,
		AuthID:      key.AuthID,
		ServerID:    workerID,
		CreatedAt:   time.Now().UTC(),
	}
	if key.PhoneNumber != "" {
		d.byPhone[key.PhoneNumber] = rec
	}
	if key.AuthID != "" {
		d.byAuth[key.AuthID] = append(d.byAuth[key.AuthID], rec)
	}
	return nil
}

// Rebind implements dispatch.AffinityDirectory.
func (d *MemoryDirectory) Rebind(_ context.Context, fromWorkerID, toWorkerID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var count int64
	seen := make(map[*dispatch.AffinityRecord]struct{})
	for _, rec := range d.byPhone {
		if rec.ServerID == fromWorkerID {
			rec.ServerID = toWorkerID
			seen[rec] = struct{}{}
			count++
		}
	}
	for _, recs := range d.byAuth {
		for _, rec := range recs {
			if _, done := seen[rec]; done {
				continue
			}
			if rec.ServerID == fromWorkerID {
				rec.ServerID = toWorkerID
				count++
			}
		}
	}
	d.logger.Info().Int64("count", count).Str("from", fromWorkerID).Str("to", toWorkerID).Msg("Rebound affinity records")
	return count, nil
}

// Close implements dispatch.AffinityDirectory.
func (d *MemoryDirectory) Close() error {
	return nil
}
