// Package fanout implements cross-worker aggregate reads: querying every
// healthy worker over HTTP and merging partial results. A failing worker
// contributes an empty result, never an aborted aggregate.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

const requestTimeout = 10 * time.Second

// Bot is one live session record reported by a worker, normalized for
// display: missing metrics come back as "N/A".
type Bot struct {
	PhoneNumber string `json:"phoneNumber"`
	AuthID      string `json:"authId,omitempty"`
	Server      string `json:"server,omitempty"`
	Status      string `json:"status"`
	RAM         string `json:"ram"`
	ROM         string `json:"rom"`
	Uptime      string `json:"uptime"`
	LastActive  string `json:"lastActive"`
	Version     string `json:"version"`
	MemoryUsage string `json:"memoryUsage"`
	CPUUsage    string `json:"cpuUsage"`
}

// DeleteResult is the per-worker outcome of a broadcast user deletion.
type DeleteResult struct {
	Server  string `json:"server"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Aggregator fans requests out to every healthy worker.
type Aggregator struct {
	registry *dispatch.Registry
	health   dispatch.HealthSource
	client   *http.Client
	logger   zerolog.Logger
}

// NewAggregator creates an aggregator reading the live health table from
// the given source.
func NewAggregator(registry *dispatch.Registry, health dispatch.HealthSource, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		registry: registry,
		health:   health,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger.With().Str("component", "Fanout").Logger(),
	}
}

// healthyWorkers returns the workers currently healthy, in registry order.
func (a *Aggregator) healthyWorkers() []dispatch.Worker {
	status := a.health.Status()
	var out []dispatch.Worker
	for _, w := range a.registry.Workers() {
		if rec, ok := status[w.ID]; ok && rec.Healthy {
			out = append(out, w)
		}
	}
	return out
}

// UserBots returns the sessions owned by the given auth id across all
// healthy workers. This read is independent of the relay path: it never
// opens a backend event connection.
func (a *Aggregator) UserBots(ctx context.Context, authID string) []Bot {
	bots := a.collectBots(ctx, func(w dispatch.Worker) string {
		return w.URL + "/api/user/bot-info?authId=" + url.QueryEscape(authID)
	}, false)

	// Workers may return other users' sessions; keep only this identity's.
	filtered := make([]Bot, 0, len(bots))
	for _, b := range bots {
		if b.AuthID == authID {
			filtered = append(filtered, b)
		}
	}
	return filtered
}

// AllBots returns every session on every healthy worker, tagged with the
// worker id that reported it.
func (a *Aggregator) AllBots(ctx context.Context) []Bot {
	return a.collectBots(ctx, func(w dispatch.Worker) string {
		return w.URL + "/api/admin/all-bots"
	}, true)
}

// collectBots performs the fan-out read. Each worker's failure is swallowed
// into an empty contribution.
func (a *Aggregator) collectBots(ctx context.Context, endpoint func(dispatch.Worker) string, tagServer bool) []Bot {
	workers := a.healthyWorkers()

	var mu sync.Mutex
	merged := make([]Bot, 0)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			bots, err := a.fetchBots(gctx, endpoint(w))
			if err != nil {
				a.logger.Warn().Err(err).Str("worker", w.ID).Msg("Fan-out read failed; contributing empty result")
				return nil
			}
			for i := range bots {
				normalize(&bots[i])
				if tagServer {
					bots[i].Server = w.ID
				}
			}
			mu.Lock()
			merged = append(merged, bots...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // goroutines never return an error; partial failure is tolerated

	return merged
}

func (a *Aggregator) fetchBots(ctx context.Context, endpoint string) ([]Bot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fan-out request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fan-out request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fan-out request returned status %d", resp.StatusCode)
	}

	var body struct {
		Bots []Bot `json:"bots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode fan-out response: %w", err)
	}
	return body.Bots, nil
}

// DeleteUsers broadcasts a user deletion to every healthy worker and
// reports the per-worker outcome.
func (a *Aggregator) DeleteUsers(ctx context.Context) []DeleteResult {
	workers := a.healthyWorkers()
	results := make([]DeleteResult, len(workers))

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		g.Go(func() error {
			results[i] = DeleteResult{Server: w.ID, Success: true}
			req, err := http.NewRequestWithContext(gctx, http.MethodDelete, w.URL+"/api/admin/users", nil)
			if err != nil {
				results[i] = DeleteResult{Server: w.ID, Error: err.Error()}
				return nil
			}
			resp, err := a.client.Do(req)
			if err != nil {
				a.logger.Warn().Err(err).Str("worker", w.ID).Msg("User deletion failed on worker")
				results[i] = DeleteResult{Server: w.ID, Error: err.Error()}
				return nil
			}
			_ = resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				results[i] = DeleteResult{Server: w.ID, Error: fmt.Sprintf("worker returned status %d", resp.StatusCode)}
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func normalize(b *Bot) {
	if b.Status == "" {
		b.Status = "Inactive"
	}
	for _, field := range []*string{&b.RAM, &b.ROM, &b.Uptime, &b.LastActive, &b.Version, &b.MemoryUsage, &b.CPUUsage} {
		if *field == "" {
			*field = "N/A"
		}
	}
}
