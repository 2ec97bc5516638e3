//go:build unix

package shortlinker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shortlinker/shortlinker/pkg/reload"
)

// notifyReloadSignals maps SIGHUP to a config reload and SIGUSR1 to a
// data reload. Reloads are also reachable over the control socket; the
// signals exist for operators who already reach for kill -HUP.
func notifyReloadSignals(ctx context.Context, g *errgroup.Group, coordinator *reload.Coordinator) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGUSR1)

	g.Go(func() error {
		defer signal.Stop(ch)

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sig := <-ch:
				target := reload.TargetConfig
				if sig == syscall.SIGUSR1 {
					target = reload.TargetData
				}

				log := zerolog.Ctx(ctx).
					With().
					Str("signal", sig.String()).
					Str("target", string(target)).
					Logger()

				res, err := coordinator.Reload(ctx, target)
				if err != nil {
					log.Error().Err(err).Msg("signal-triggered reload failed")

					continue
				}

				if len(res.RestartRequired) > 0 {
					log.
						Warn().
						Strs("restart_required", res.RestartRequired).
						Msg("some changed keys only apply after a restart")
				}

				log.
					Info().
					Dur("took", res.Took).
					Strs("changed_keys", res.ChangedKeys).
					Int("warmed", res.Warmed).
					Msg("signal-triggered reload complete")
			}
		}
	})
}
