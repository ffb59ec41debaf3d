package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisDirectory implements dispatch.AffinityDirectory using Redis.
// It keeps three key families:
//  1. `session:phone:{phone}` / `session:auth:{authId}`: a hash per user row
//     holding {phoneNumber, authId, serverId, createdAt}.
//  2. `session:authidx:{authId}`: a set of row keys for auth-id lookup when
//     the row is keyed by phone.
//  3. `server:{serverId}:sessions`: a set of row keys per worker, making
//     Rebind a set-driven bulk update instead of a keyspace scan.
type RedisDirectory struct {
	client redisClient
	logger zerolog.Logger
}

// NewRedisDirectory is the constructor for the RedisDirectory.
func NewRedisDirectory(client redisClient, logger zerolog.Logger) (*RedisDirectory, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisDirectory{
		client: client,
		logger: logger.With().Str("component", "redis_directory").Logger(),
	}, nil
}

func phoneRowKey(phone string) string  { return "session:phone:" + phone }
func authRowKey(authID string) string  { return "session:auth:" + authID }
func authIndexKey(authID string) string { return "session:authidx:" + authID }
func serverIndexKey(id string) string  { return "server:" + id + ":sessions" }

// rowKey picks the canonical row key for a user: phone-keyed when a phone
// number is present, auth-keyed otherwise.
func rowKey(key dispatch.Key) string {
	if key.PhoneNumber != "" {
		return phoneRowKey(key.PhoneNumber)
	}
	return authRowKey(key.AuthID)
}

// Lookup implements dispatch.AffinityDirectory.
func (d *RedisDirectory) Lookup(ctx context.Context, key dispatch.Key) (string, error) {
	if key.PhoneNumber != "" {
		serverID, err := d.serverIDForRow(ctx, phoneRowKey(key.PhoneNumber))
		if err != nil {
			return "", err
		}
		if serverID != "" {
			return serverID, nil
		}
	}
	if key.AuthID != "" {
		serverID, err := d.serverIDForRow(ctx, authRowKey(key.AuthID))
		if err != nil {
			return "", err
		}
		if serverID != "" {
			return serverID, nil
		}
		// Phone-keyed rows for this auth id are reachable via the index set.
		rows, err := d.client.SMembers(ctx, authIndexKey(key.AuthID)).Result()
		if err != nil {
			return "", fmt.Errorf("failed to read auth index: %w", err)
		}
		for _, row := range rows {
			serverID, err := d.serverIDForRow(ctx, row)
			if err != nil {
				return "", err
			}
			if serverID != "" {
				return serverID, nil
			}
		}
	}
	return "", dispatch.ErrNoAffinity
}

func (d *RedisDirectory) serverIDForRow(ctx context.Context, row string) (string, error) {
	serverID, err := d.client.HGet(ctx, row, "serverId").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read affinity row %q: %w", row, err)
	}
	return serverID, nil
}

// Bind implements dispatch.AffinityDirectory.
func (d *RedisDirectory) Bind(ctx context.Context, key dispatch.Key, workerID string) error {
	if key.Empty() {
		return dispatch.ErrMalformedPayload
	}
	row := rowKey(key)
	log := d.logger.With().Str("row", row).Str("worker", workerID).Logger()

	// Drop the row from the previous worker's index before repointing it.
	oldServerID, err := d.serverIDForRow(ctx, row)
	if err != nil {
		return err
	}
	if oldServerID != "" && oldServerID != workerID {
		if err := d.client.SRem(ctx, serverIndexKey(oldServerID), row).Err(); err != nil {
			return fmt.Errorf("failed to update server index: %w", err)
		}
	}

	fields := []interface{}{
		"phoneNumber", key.PhoneNumber,
		"authId", key.AuthID,
		"serverId", workerID,
	}
	if oldServerID == "" {
		fields = append(fields, "createdAt", time.Now().UTC().Format(time.RFC3339))
	}
	if err := d.client.HSet(ctx, row, fields...).Err(); err != nil {
		return fmt.Errorf("failed to write affinity row: %w", err)
	}
	if err := d.client.SAdd(ctx, serverIndexKey(workerID), row).Err(); err != nil {
		return fmt.Errorf("failed to update server index: %w", err)
	}
	if key.AuthID != "" && key.PhoneNumber != "" {
		if err := d.client.SAdd(ctx, authIndexKey(key.AuthID), row).Err(); err != nil {
			return fmt.Errorf("failed to update auth index: %w", err)
		}
	}
	log.Debug().Msg("Bound affinity record")
	return nil
}

// Rebind implements dispatch.AffinityDirectory. It moves every row in the
// source worker's index set to the destination worker. Calling it again
// after completion rebinds zero rows.
func (d *RedisDirectory) Rebind(ctx context.Context, fromWorkerID, toWorkerID string) (int64, error) {
	fromIdx := serverIndexKey(fromWorkerID)
	rows, err := d.client.SMembers(ctx, fromIdx).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions for worker %q: %w", fromWorkerID, err)
	}

	var count int64
	for _, row := range rows {
		if err := d.client.HSet(ctx, row, "serverId", toWorkerID).Err(); err != nil {
			return count, fmt.Errorf("failed to repoint affinity row %q: %w", row, err)
		}
		if err := d.client.SAdd(ctx, serverIndexKey(toWorkerID), row).Err(); err != nil {
			return count, fmt.Errorf("failed to update server index: %w", err)
		}
		count++
	}
	if err := d.client.Del(ctx, fromIdx).Err(); err != nil {
		return count, fmt.Errorf("failed to clear server index for %q: %w", fromWorkerID, err)
	}

	d.logger.Info().Int64("count", count).Str("from", fromWorkerID).Str("to", toWorkerID).Msg("Rebound affinity records")
	return count, nil
}

// Close implements dispatch.AffinityDirectory.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
