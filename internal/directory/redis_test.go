package directory

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// fakeRedis implements redisClient over plain maps, enough to exercise the
// adapter's key layout without a live server.
type fakeRedis struct {
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (f *fakeRedis) HGet(_ context.Context, key, field string) *redis.StringCmd {
	if h, ok := f.hashes[key]; ok {
		if v, ok := h[field]; ok {
			return redis.NewStringResult(v, nil)
		}
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1].(string)
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeRedis) SAdd(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	for _, m := range members {
		s[m.(string)] = struct{}{}
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) SRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	s := f.sets[key]
	for _, m := range members {
		delete(s, m.(string))
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) SMembers(_ context.Context, key string) *redis.StringSliceCmd {
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.hashes, k)
		delete(f.sets, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisDirectory(t *testing.T) {
	ctx := context.Background()

	t.Run("Bind then Lookup by phone and by auth id", func(t *testing.T) {
		dir, err := NewRedisDirectory(newFakeRedis(), zerolog.Nop())
		require.NoError(t, err)

		require.NoError(t, dir.Bind(ctx, dispatch.Key{PhoneNumber: "234801", AuthID: "user-a"}, "server1"))

		id, err := dir.Lookup(ctx, dispatch.Key{PhoneNumber: "234801"})
		require.NoError(t, err)
		assert.Equal(t, "server1", id)

		// The phone-keyed row is reachable through the auth index.
		id, err = dir.Lookup(ctx, dispatch.Key{AuthID: "user-a"})
		require.NoError(t, err)
		assert.Equal(t, "server1", id)
	})

	t.Run("Lookup misses report no affinity", func(t *testing.T) {
		dir, err := NewRedisDirectory(newFakeRedis(), zerolog.Nop())
		require.NoError(t, err)

		_, err = dir.Lookup(ctx, dispatch.Key{PhoneNumber: "000"})
		assert.ErrorIs(t, err, dispatch.ErrNoAffinity)
	})

	t.Run("Bind repoints the server index", func(t *testing.T) {
		fake := newFakeRedis()
		dir, err := NewRedisDirectory(fake, zerolog.Nop())
		require.NoError(t, err)

		require.NoError(t, dir.Bind(ctx, dispatch.Key{PhoneNumber: "234801"}, "server1"))
		require.NoError(t, dir.Bind(ctx, dispatch.Key{PhoneNumber: "234801"}, "server2"))

		id, err := dir.Lookup(ctx, dispatch.Key{PhoneNumber: "234801"})
		require.NoError(t, err)
		assert.Equal(t, "server2", id)

		assert.Empty(t, fake.sets["server:server1:sessions"])
		assert.Len(t, fake.sets["server:server2:sessions"], 1)
	})

	t.Run("Rebind moves every session and is idempotent", func(t *testing.T) {
		dir, err := NewRedisDirectory(newFakeRedis(), zerolog.Nop())
		require.NoError(t, err)

		require.NoError(t, dir.Bind(ctx, dispatch.Key{PhoneNumber: "111"}, "server1"))
		require.NoError(t, dir.Bind(ctx, dispatch.Key{PhoneNumber: "222"}, "server1"))
		require.NoError(t, dir.Bind(ctx, dispatch.Key{AuthID: "user-b"}, "server2"))

		count, err := dir.Rebind(ctx, "server1", "server2")
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		for _, phone := range []string{"111", "222"} {
			id, err := dir.Lookup(ctx, dispatch.Key{PhoneNumber: phone})
			require.NoError(t, err)
			assert.Equal(t, "server2", id)
		}

		count, err = dir.Rebind(ctx, "server1", "server2")
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}
