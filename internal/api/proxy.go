package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

const forwardTimeout = 30 * time.Second

// hop-by-hop headers stripped before forwarding.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// ForwardHandler resolves the target worker for the request's phone number
// (when present) and forwards the request verbatim to the worker's
// equivalent endpoint, returning its status and body unchanged. Transport
// failure synthesizes a 502; exhausted capacity is surfaced as an explicit
// 503, distinct from transport failure.
func (a *API) ForwardHandler(w http.ResponseWriter, r *http.Request) {
	key := dispatch.Key{PhoneNumber: r.PathValue("phoneNumber")}
	log := a.logger.With().Str("path", r.URL.Path).Logger()

	worker, err := a.resolver.Resolve(r.Context(), key)
	if err != nil {
		if errors.Is(err, dispatch.ErrNoCapacity) {
			log.Warn().Msg("No worker with spare capacity for proxied request")
			writeJSONError(w, http.StatusServiceUnavailable, "No server with spare capacity is available.")
			return
		}
		log.Error().Err(err).Msg("Worker resolution failed for proxied request")
		writeJSONError(w, http.StatusBadGateway, "Failed to resolve a backend server.")
		return
	}

	target := worker.URL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build forwarded request")
		writeJSONError(w, http.StatusInternalServerError, "Failed to build forwarded request.")
		return
	}
	for name, values := range r.Header {
		if _, hop := hopHeaders[name]; hop {
			continue
		}
		for _, v := range values {
			outbound.Header.Add(name, v)
		}
	}

	resp, err := a.forward.Do(outbound)
	if err != nil {
		log.Warn().Err(err).Str("worker", worker.ID).Msg("Forwarded request failed")
		writeJSONError(w, http.StatusBadGateway, "Backend server is unreachable.")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for name, values := range resp.Header {
		if _, hop := hopHeaders[name]; hop {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug().Err(err).Msg("Failed to stream forwarded response body")
	}
}
