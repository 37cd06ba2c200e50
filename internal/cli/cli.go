// Package cli holds the shared plumbing behind the four pcache binaries
// (pcache-add, pcache-read, pcache-monitor, pcache-manage): configuration
// loading, connection/backend/store wiring, and the exit-code convention.
package cli

import (
	"errors"

	"github.com/partitioncache/partitioncache/internal/config"
)

// Exit codes shared by every pcache binary: 0 success, 2 configuration
// error, 3 runtime error.
const (
	ExitOK      = 0
	ExitConfig  = 2
	ExitRuntime = 3
)

// ExitCode maps an error from a command's RunE onto the documented exit
// codes.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, config.ErrInvalid):
		return ExitConfig
	default:
		return ExitRuntime
	}
}
