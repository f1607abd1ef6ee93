package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/usecase"
	"github.com/urfave/cli/v3"
)

func cmdConversation() *cli.Command {
	return &cli.Command{
		Name:    "conversation",
		Aliases: []string{"c"},
		Usage:   "Read and write conversation logs",
		Commands: []*cli.Command{
			cmdConversationAppend(),
			cmdConversationList(),
			cmdConversationDelete(),
		},
	}
}

func conversationIDFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "conversation-id",
		Aliases:     []string{"i"},
		Usage:       "Conversation ID (UUID)",
		Required:    true,
		Destination: dst,
	}
}

func outputWriter(c *cli.Command) io.Writer {
	if w := c.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func cmdConversationAppend() *cli.Command {
	var (
		flags          offlineFlags
		conversationID string
		author         string
		content        string
	)

	cmdFlags := []cli.Flag{
		conversationIDFlag(&conversationID),
		&cli.StringFlag{
			Name:        "author",
			Aliases:     []string{"a"},
			Usage:       "Author user ID",
			Required:    true,
			Destination: &author,
		},
		&cli.StringFlag{
			Name:        "content",
			Usage:       "Entry content (remaining arguments are used when omitted)",
			Destination: &content,
		},
	}

	return &cli.Command{
		Name:      "append",
		Usage:     "Append an entry to a conversation",
		ArgsUsage: "[content...]",
		Flags:     append(cmdFlags, flags.Flags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			if content == "" {
				content = strings.Join(c.Args().Slice(), " ")
			}

			id, err := types.ParseConversationID(conversationID)
			if err != nil {
				return goerr.Wrap(model.ErrValidation, "invalid conversation ID",
					goerr.V(model.ConversationIDKey, conversationID), goerr.V("cause", err.Error()))
			}

			s, err := flags.open(ctx, c)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			entry, err := s.uc.Conversation.Append(ctx, id, types.UserID(author), content)
			if entry == nil {
				return err
			}

			w := outputWriter(c)
			printEntry(w, entry)
			if errors.Is(err, usecase.ErrEvictionPending) {
				_, _ = color.New(color.FgYellow).Fprintln(w, "entry stored; eviction is pending and will be retried by the sweeper")
			}
			return err
		},
	}
}

func cmdConversationList() *cli.Command {
	var (
		flags          offlineFlags
		conversationID string
		asJSON         bool
	)

	cmdFlags := []cli.Flag{
		conversationIDFlag(&conversationID),
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print entries as JSON",
			Destination: &asJSON,
		},
	}

	return &cli.Command{
		Name:  "list",
		Usage: "List the retained entries of a conversation, oldest first",
		Flags: append(cmdFlags, flags.Flags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := types.ParseConversationID(conversationID)
			if err != nil {
				return goerr.Wrap(model.ErrValidation, "invalid conversation ID",
					goerr.V(model.ConversationIDKey, conversationID), goerr.V("cause", err.Error()))
			}

			s, err := flags.open(ctx, c)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			entries, err := s.uc.Conversation.ListEntries(ctx, id)
			if err != nil {
				return err
			}

			w := outputWriter(c)
			if asJSON {
				return printEntriesJSON(w, entries)
			}
			if len(entries) == 0 {
				_, _ = color.New(color.Faint).Fprintln(w, "no entries")
				return nil
			}
			for _, e := range entries {
				printEntry(w, e)
			}
			return nil
		},
	}
}

func cmdConversationDelete() *cli.Command {
	var (
		flags          offlineFlags
		conversationID string
	)

	return &cli.Command{
		Name:  "delete",
		Usage: "Delete every entry of a conversation",
		Flags: append([]cli.Flag{conversationIDFlag(&conversationID)}, flags.Flags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := types.ParseConversationID(conversationID)
			if err != nil {
				return goerr.Wrap(model.ErrValidation, "invalid conversation ID",
					goerr.V(model.ConversationIDKey, conversationID), goerr.V("cause", err.Error()))
			}

			s, err := flags.open(ctx, c)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			n, err := s.uc.Conversation.DeleteConversation(ctx, id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(outputWriter(c), "deleted %d entries\n", n)
			return nil
		},
	}
}

func printEntry(w io.Writer, e *model.Entry) {
	idColor := color.New(color.FgCyan)
	authorColor := color.New(color.FgGreen, color.Bold)

	_, _ = idColor.Fprintf(w, "#%-6d ", e.ID)
	_, _ = fmt.Fprintf(w, "%s ", e.CreatedAt.Format(time.RFC3339Nano))
	_, _ = authorColor.Fprintf(w, "%s", e.AuthorUserID)
	_, _ = fmt.Fprintf(w, ": %s\n", e.Content)
}

type entryJSON struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AuthorUserID   string    `json:"author_user_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

func printEntriesJSON(w io.Writer, entries []*model.Entry) error {
	out := make([]entryJSON, len(entries))
	for i, e := range entries {
		out[i] = entryJSON{
			ID:             int64(e.ID),
			ConversationID: e.ConversationID.String(),
			AuthorUserID:   e.AuthorUserID.String(),
			Content:        e.Content,
			CreatedAt:      e.CreatedAt,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return goerr.Wrap(err, "failed to encode entries")
	}
	return nil
}
