package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/service/worker"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func cmdSweep() *cli.Command {
	var flags offlineFlags

	return &cli.Command{
		Name:  "sweep",
		Usage: "Evict the overflow of every conversation above capacity once and exit",
		Flags: flags.Flags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := flags.open(ctx, c)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			sweeper := worker.NewSweeper(s.uc.Conversation, s.cfg.SweeperOptions()...)
			evicted, err := sweeper.SweepAll(ctx)
			if err != nil {
				return goerr.Wrap(err, "sweep finished with failures", goerr.V("evicted", evicted))
			}

			logging.Default().Info("Sweep completed",
				"evicted", evicted,
				"capacity", s.uc.Conversation.Policy().Capacity)
			return nil
		},
	}
}
