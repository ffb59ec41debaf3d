package fanout_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ojuolokun86/load-manager/internal/fanout"
	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

type stubHealth struct{ status dispatch.HealthStatus }

func (s stubHealth) Status() dispatch.HealthStatus { return s.status }

func allHealthy(ids ...string) stubHealth {
	status := make(dispatch.HealthStatus, len(ids))
	for _, id := range ids {
		status[id] = dispatch.HealthRecord{WorkerID: id, Healthy: true}
	}
	return stubHealth{status: status}
}

func botServer(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	}))
}

func newAggregator(t *testing.T, health dispatch.HealthSource, urls ...string) *fanout.Aggregator {
	t.Helper()
	workers := make([]dispatch.Worker, 0, len(urls))
	for i, u := range urls {
		workers = append(workers, dispatch.Worker{ID: "server" + string(rune('1'+i)), URL: u})
	}
	registry, err := dispatch.NewRegistry(workers)
	require.NoError(t, err)
	return fanout.NewAggregator(registry, health, zerolog.Nop())
}

func TestAggregator_UserBots(t *testing.T) {
	ctx := context.Background()

	t.Run("Merges sessions from every healthy worker", func(t *testing.T) {
		s1 := botServer(t, `{"bots":[{"phoneNumber":"111","authId":"user-a","status":"Active"}]}`)
		s2 := botServer(t, `{"bots":[{"phoneNumber":"222","authId":"user-a","status":"Active"}]}`)
		defer s1.Close()
		defer s2.Close()

		agg := newAggregator(t, allHealthy("server1", "server2"), s1.URL, s2.URL)
		bots := agg.UserBots(ctx, "user-a")

		require.Len(t, bots, 2)
		phones := []string{bots[0].PhoneNumber, bots[1].PhoneNumber}
		assert.ElementsMatch(t, []string{"111", "222"}, phones)
	})

	t.Run("Filters out sessions belonging to other identities", func(t *testing.T) {
		s1 := botServer(t, `{"bots":[{"phoneNumber":"111","authId":"user-a"},{"phoneNumber":"999","authId":"user-b"}]}`)
		defer s1.Close()

		agg := newAggregator(t, allHealthy("server1"), s1.URL)
		bots := agg.UserBots(ctx, "user-a")

		require.Len(t, bots, 1)
		assert.Equal(t, "111", bots[0].PhoneNumber)
	})

	t.Run("A failing worker contributes an empty result", func(t *testing.T) {
		s1 := botServer(t, `{"bots":[{"phoneNumber":"111","authId":"user-a"}]}`)
		defer s1.Close()
		s2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer s2.Close()
		s3 := botServer(t, `{"bots":[{"phoneNumber":"333","authId":"user-a"}]}`)
		defer s3.Close()

		agg := newAggregator(t, allHealthy("server1", "server2", "server3"), s1.URL, s2.URL, s3.URL)
		bots := agg.UserBots(ctx, "user-a")

		require.Len(t, bots, 2)
	})

	t.Run("Unhealthy workers are never queried", func(t *testing.T) {
		queried := false
		s1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			queried = true
		}))
		defer s1.Close()

		agg := newAggregator(t, stubHealth{status: dispatch.HealthStatus{
			"server1": {WorkerID: "server1", Healthy: false},
		}}, s1.URL)

		assert.Empty(t, agg.UserBots(ctx, "user-a"))
		assert.False(t, queried)
	})

	t.Run("Missing metrics are normalized", func(t *testing.T) {
		s1 := botServer(t, `{"bots":[{"phoneNumber":"111","authId":"user-a"}]}`)
		defer s1.Close()

		agg := newAggregator(t, allHealthy("server1"), s1.URL)
		bots := agg.UserBots(ctx, "user-a")

		require.Len(t, bots, 1)
		assert.Equal(t, "Inactive", bots[0].Status)
		assert.Equal(t, "N/A", bots[0].RAM)
		assert.Equal(t, "N/A", bots[0].Uptime)
	})
}

func TestAggregator_AllBots(t *testing.T) {
	s1 := botServer(t, `{"bots":[{"phoneNumber":"111","authId":"user-a"}]}`)
	s2 := botServer(t, `{"bots":[{"phoneNumber":"222","authId":"user-b"}]}`)
	defer s1.Close()
	defer s2.Close()

	agg := newAggregator(t, allHealthy("server1", "server2"), s1.URL, s2.URL)
	bots := agg.AllBots(context.Background())

	require.Len(t, bots, 2)
	for _, b := range bots {
		assert.NotEmpty(t, b.Server, "every session is tagged with the reporting worker")
	}
}

func TestAggregator_DeleteUsers(t *testing.T) {
	s1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/admin/users", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer s1.Close()
	s2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer s2.Close()

	agg := newAggregator(t, allHealthy("server1", "server2"), s1.URL, s2.URL)
	results := agg.DeleteUsers(context.Background())

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Empty(t, results[0].Error)
	assert.False(t, results[1].Success)
	assert.NotEmpty(t, results[1].Error)
}
