package cli

import (
	"context"

	"github.com/secmon-lab/convolog/pkg/cli/config"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/usecase"
	"github.com/secmon-lab/convolog/pkg/utils/safe"
	"github.com/urfave/cli/v3"
)

// offlineFlags are shared by commands that run one operation against the
// repository and exit
type offlineFlags struct {
	repo      config.Repository
	retention config.Retention
}

func (f *offlineFlags) Flags() []cli.Flag {
	flags := f.repo.Flags()
	return append(flags, f.retention.Flags()...)
}

type session struct {
	cfg  *config.AppConfig
	repo interfaces.Repository
	uc   *usecase.UseCases
}

func (s *session) Close(ctx context.Context) {
	safe.Close(ctx, s.repo)
}

// open builds the use cases for a one-shot command. Immediate eviction retry
// is off because the process exits before a background retry would run; a
// failed eviction is left to the sweeper of a running server.
func (f *offlineFlags) open(ctx context.Context, c *cli.Command) (*session, error) {
	appCfg, err := f.retention.Configure(c)
	if err != nil {
		return nil, err
	}

	repo, err := f.repo.Configure(ctx)
	if err != nil {
		return nil, err
	}

	opts := append(appCfg.ConversationOptions(nil), usecase.WithImmediateRetry(false))
	return &session{
		cfg:  appCfg,
		repo: repo,
		uc:   usecase.New(repo, usecase.WithConversationOptions(opts...)),
	}, nil
}
