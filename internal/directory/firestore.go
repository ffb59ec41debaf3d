package directory

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// sessionDoc is the shape of one affinity row stored in Firestore. The
// document id is the phone number when present, the auth id otherwise.
type sessionDoc struct {
	PhoneNumber string    `firestore:"phoneNumber"`
	AuthID      string    `firestore:"authId"`
	ServerID    string    `firestore:"server_id"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

// FirestoreDirectory implements dispatch.AffinityDirectory using Google
// Cloud Firestore.
type FirestoreDirectory struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreDirectory is the constructor for the FirestoreDirectory.
func NewFirestoreDirectory(client *firestore.Client, collectionName string, logger zerolog.Logger) (*FirestoreDirectory, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collectionName cannot be empty")
	}
	return &FirestoreDirectory{
		client:         client,
		collectionName: collectionName,
		logger:         logger.With().Str("component", "firestore_directory").Str("collection", collectionName).Logger(),
	}, nil
}

func (d *FirestoreDirectory) sessions() *firestore.CollectionRef {
	return d.client.Collection(d.collectionName)
}

func docID(key dispatch.Key) string {
	if key.PhoneNumber != "" {
		return key.PhoneNumber
	}
	return key.AuthID
}

// Lookup implements dispatch.AffinityDirectory.
func (d *FirestoreDirectory) Lookup(ctx context.Context, key dispatch.Key) (string, error) {
	if key.PhoneNumber != "" {
		snap, err := d.sessions().Doc(key.PhoneNumber).Get(ctx)
		if err == nil {
			var doc sessionDoc
			if derr := snap.DataTo(&doc); derr == nil && doc.ServerID != "" {
				return doc.ServerID, nil
			}
		} else if status.Code(err) != codes.NotFound {
			return "", fmt.Errorf("failed to read affinity row for phone: %w", err)
		}
	}

	if key.AuthID != "" {
		snaps, err := d.sessions().Where("authId", "==", key.AuthID).Limit(1).Documents(ctx).GetAll()
		if err != nil {
			return "", fmt.Errorf("failed to query affinity rows for auth id: %w", err)
		}
		if len(snaps) > 0 {
			var doc sessionDoc
			if derr := snaps[0].DataTo(&doc); derr == nil && doc.ServerID != "" {
				return doc.ServerID, nil
			}
		}
	}

	return "", dispatch.ErrNoAffinity
}

// Bind implements dispatch.AffinityDirectory. The write is a merge so a
// rebind of an existing row preserves its original createdAt.
func (d *FirestoreDirectory) Bind(ctx context.Context, key dispatch.Key, workerID string) error {
	if key.Empty() {
		return dispatch.ErrMalformedPayload
	}

	docRef := d.sessions().Doc(docID(key))
	updates := map[string]interface{}{
		"phoneNumber": key.PhoneNumber,
		"authId":      key.AuthID,
		"server_id":   workerID,
	}
	if _, err := docRef.Get(ctx); status.Code(err) == codes.NotFound {
		updates["createdAt"] = time.Now().UTC()
	}

	if _, err := docRef.Set(ctx, updates, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to write affinity row: %w", err)
	}
	d.logger.Debug().Str("doc", docRef.ID).Str("worker", workerID).Msg("Bound affinity record")
	return nil
}

// Rebind implements dispatch.AffinityDirectory.
func (d *FirestoreDirectory) Rebind(ctx context.Context, fromWorkerID, toWorkerID string) (int64, error) {
	snaps, err := d.sessions().Where("server_id", "==", fromWorkerID).Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to query sessions for worker %q: %w", fromWorkerID, err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	bulkWriter := d.client.BulkWriter(ctx)
	var count int64
	for _, snap := range snaps {
		if _, err := bulkWriter.Update(snap.Ref, []firestore.Update{
			{Path: "server_id", Value: toWorkerID},
		}); err != nil {
			d.logger.Error().Err(err).Str("doc", snap.Ref.ID).Msg("Failed to enqueue rebind update")
			continue
		}
		count++
	}
	bulkWriter.End()

	d.logger.Info().Int64("count", count).Str("from", fromWorkerID).Str("to", toWorkerID).Msg("Rebound affinity records")
	return count, nil
}

// Close implements dispatch.AffinityDirectory.
func (d *FirestoreDirectory) Close() error {
	return d.client.Close()
}
