// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/dmflow/pkg/actions"
	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/dukex/dmflow/pkg/registry"
)

// NewRegistry returns a registry holding the built-in flow actions.
func NewRegistry(logger *slog.Logger, persistence persistence.Persistence) *registry.Registry {
	reg := registry.NewRegistry(logger)

	actions.RegisterBuiltins(reg, persistence.Contacts())

	logger.Debug("registered flow actions", "actions", reg.Actions())

	return reg
}
