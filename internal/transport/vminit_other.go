//go:build !linux

package transport

import "log/slog"

// SetupInit is a no-op outside Linux.
func SetupInit(*slog.Logger) {}
