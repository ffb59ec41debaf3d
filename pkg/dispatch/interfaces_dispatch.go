package dispatch

import "context"

// AffinityDirectory is the external durable mapping from a user to the worker
// owning their session. It is the single source of truth for cross-process
// routing consistency: callers must not cache reads across requests.
type AffinityDirectory interface {
	// Lookup returns the worker id owning the user's session, preferring the
	// phone number over the auth id when the key carries both. Returns
	// ErrNoAffinity when no record exists.
	Lookup(ctx context.Context, key Key) (string, error)

	// Bind creates or overwrites the user's affinity record.
	Bind(ctx context.Context, key Key, workerID string) error

	// Rebind moves every record pointing at fromWorkerID to toWorkerID and
	// returns the number of rows updated.
	Rebind(ctx context.Context, fromWorkerID, toWorkerID string) (int64, error)

	Close() error
}

// Strategy picks a worker for a user with no existing affinity. It is
// stateless and performs no I/O: given the same health table it always
// returns the same answer. ok is false when no worker qualifies.
type Strategy interface {
	Assign(status HealthStatus) (workerID string, ok bool)
}

// HealthSource provides the current health table. Implementations must
// return synchronously without performing network I/O.
type HealthSource interface {
	Status() HealthStatus
}

// Notifier delivers best-effort operator notifications. A returned error is
// informational: callers log it and continue.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// ServiceDependencies holds the external collaborators the load manager
// needs to operate. This struct is used for dependency injection.
type ServiceDependencies struct {
	Directory AffinityDirectory
	Notifier  Notifier
}
