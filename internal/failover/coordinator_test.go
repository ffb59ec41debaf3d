package failover_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ojuolokun86/load-manager/internal/failover"
	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

type mockDirectory struct{ mock.Mock }

func (m *mockDirectory) Lookup(ctx context.Context, key dispatch.Key) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}
func (m *mockDirectory) Bind(ctx context.Context, key dispatch.Key, workerID string) error {
	return m.Called(ctx, key, workerID).Error(0)
}
func (m *mockDirectory) Rebind(ctx context.Context, from, to string) (int64, error) {
	args := m.Called(ctx, from, to)
	return int64(args.Int(0)), args.Error(1)
}
func (m *mockDirectory) Close() error { return m.Called().Error(0) }

func newTestRegistry(t *testing.T, healthyURL string) *dispatch.Registry {
	t.Helper()
	registry, err := dispatch.NewRegistry([]dispatch.Worker{
		{ID: "server1", URL: "http://localhost:3001"},
		{ID: "server2", URL: healthyURL},
	})
	require.NoError(t, err)
	return registry
}

func TestCoordinator_Reassign(t *testing.T) {
	ctx := context.Background()

	t.Run("Rebinds sessions and signals the healthy worker", func(t *testing.T) {
		var reloads atomic.Int32
		healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == "/api/admin/reload-sessions" {
				reloads.Add(1)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer healthy.Close()

		dir := new(mockDirectory)
		dir.On("Rebind", mock.Anything, "server1", "server2").Return(3, nil)

		coordinator := failover.NewCoordinator(newTestRegistry(t, healthy.URL), dir, zerolog.Nop())
		require.NoError(t, coordinator.Reassign(ctx, "server1", "server2"))

		dir.AssertExpectations(t)
		assert.Equal(t, int32(1), reloads.Load())
	})

	t.Run("Rebind failure is surfaced and no reload is signaled", func(t *testing.T) {
		var reloads atomic.Int32
		healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reloads.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer healthy.Close()

		dir := new(mockDirectory)
		dir.On("Rebind", mock.Anything, "server1", "server2").Return(0, errors.New("redis down"))

		coordinator := failover.NewCoordinator(newTestRegistry(t, healthy.URL), dir, zerolog.Nop())
		err := coordinator.Reassign(ctx, "server1", "server2")

		require.Error(t, err)
		assert.Zero(t, reloads.Load())
	})

	t.Run("Target missing from the registry is refused before any rebind", func(t *testing.T) {
		dir := new(mockDirectory)

		coordinator := failover.NewCoordinator(newTestRegistry(t, "http://localhost:3002"), dir, zerolog.Nop())
		err := coordinator.Reassign(ctx, "server1", "ghost")

		require.Error(t, err)
		assert.ErrorIs(t, err, dispatch.ErrUnknownWorker)
		dir.AssertNotCalled(t, "Rebind", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Reload signal failure does not undo the rebind", func(t *testing.T) {
		healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer healthy.Close()

		dir := new(mockDirectory)
		dir.On("Rebind", mock.Anything, "server1", "server2").Return(5, nil)

		coordinator := failover.NewCoordinator(newTestRegistry(t, healthy.URL), dir, zerolog.Nop())
		assert.NoError(t, coordinator.Reassign(ctx, "server1", "server2"))
		dir.AssertExpectations(t)
	})
}
