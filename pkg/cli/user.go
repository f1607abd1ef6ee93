package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/urfave/cli/v3"
)

func cmdUser() *cli.Command {
	return &cli.Command{
		Name:    "user",
		Aliases: []string{"u"},
		Usage:   "Manage users referenced as entry authors",
		Commands: []*cli.Command{
			cmdUserPut(),
			cmdUserGet(),
		},
	}
}

func cmdUserPut() *cli.Command {
	var (
		flags  offlineFlags
		userID string
		name   string
	)

	cmdFlags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user-id",
			Usage:       "User ID",
			Required:    true,
			Destination: &userID,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "Display name",
			Destination: &name,
		},
	}

	return &cli.Command{
		Name:  "put",
		Usage: "Create or update a user",
		Flags: append(cmdFlags, flags.Flags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := flags.open(ctx, c)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			user, err := s.uc.User.PutUser(ctx, types.UserID(userID), name)
			if err != nil {
				return err
			}
			_, _ = color.New(color.FgGreen).Fprintf(outputWriter(c), "stored user %s (%s)\n", user.ID, user.Name)
			return nil
		},
	}
}

func cmdUserGet() *cli.Command {
	var (
		flags  offlineFlags
		userID string
	)

	return &cli.Command{
		Name:  "get",
		Usage: "Show a user",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "user-id",
				Usage:       "User ID",
				Required:    true,
				Destination: &userID,
			},
		}, flags.Flags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := flags.open(ctx, c)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			user, err := s.uc.User.GetUser(ctx, types.UserID(userID))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(outputWriter(c), "%s\t%s\t%s\n", user.ID, user.Name, user.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}
