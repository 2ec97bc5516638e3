//go:build !unix

package shortlinker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/shortlinker/shortlinker/pkg/reload"
)

// notifyReloadSignals is a no-op where SIGHUP and SIGUSR1 do not exist.
// Reloads remain reachable over the control socket.
func notifyReloadSignals(_ context.Context, _ *errgroup.Group, _ *reload.Coordinator) {}
