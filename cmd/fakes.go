package cmd

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ojuolokun86/load-manager/internal/directory"
	"github.com/ojuolokun86/load-manager/internal/platform/notify"
	"github.com/ojuolokun86/load-manager/loadmanager/config"
	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// NewFakeDependencies creates in-memory dependencies for local development:
// an in-process affinity directory and a log-only notifier.
func NewFakeDependencies(_ context.Context, _ *config.AppConfig, logger zerolog.Logger) (*dispatch.ServiceDependencies, error) {
	return &dispatch.ServiceDependencies{
		Directory: directory.NewMemoryDirectory(logger),
		Notifier:  notify.NewWebhookNotifier("", logger),
	}, nil
}
