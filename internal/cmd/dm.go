package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy-cli/internal/api"
	"github.com/canopyhq/canopy-cli/internal/config"
	"github.com/canopyhq/canopy-cli/internal/conn"
	"github.com/canopyhq/canopy-cli/internal/feed"
	"github.com/canopyhq/canopy-cli/internal/pulse"
	"github.com/canopyhq/canopy-cli/internal/redisfeed"
	"github.com/canopyhq/canopy-cli/internal/resolve"
	"github.com/canopyhq/canopy-cli/internal/session"
	"github.com/canopyhq/canopy-cli/internal/validation"
)

func newDMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dm",
		Aliases: []string{"messages"},
		Short:   "Direct messaging",
	}
	cmd.AddCommand(newDMListCmd(), newDMFollowCmd(), newDMSendCmd(), newDMReadCmd())
	return cmd
}

func newDMListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := getClient()
			if err != nil {
				return err
			}
			convs, err := client.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			return emit(cmd, map[string]any{
				"kind":  "dm.list",
				"items": convs,
			}, func() error {
				for _, c := range convs {
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.ID, c.Title)
					if err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newDMFollowCmd() *cobra.Command {
	var (
		markRead bool
		since    time.Duration
	)
	cmd := &cobra.Command{
		Use:     "follow <conversation-id|title>",
		Aliases: []string{"fw"},
		Short:   "Follow a conversation in real-time",
		Long: strings.TrimSpace(`
Follow a conversation and print messages as they arrive.

Connects to Canopy's realtime feed, prints the conversation history, then
streams new messages with live delivery status. Reconnects automatically
with exponential backoff; messages missed during an outage are backfilled.
`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			client, acct, err := getClient()
			if err != nil {
				return err
			}
			conversationID, err := resolveConversation(ctx, client, args[0])
			if err != nil {
				return err
			}

			sess, err := buildSession(ctx, client, acct)
			if err != nil {
				return err
			}
			sess.Start()
			defer sess.Stop()

			unregister := sess.OnStatusChange(func(_, to conn.State) {
				switch to {
				case conn.StateConnected:
					fmt.Fprintln(cmd.ErrOrStderr(), "connected")
				case conn.StateReconnecting:
					fmt.Fprintln(cmd.ErrOrStderr(), "connection lost, reconnecting...")
				case conn.StateErrored:
					fmt.Fprintln(cmd.ErrOrStderr(), "connection failed; press Enter to retry or Ctrl+C to quit")
				}
			})
			defer unregister()

			if err := sess.Open(conversationID); err != nil {
				return err
			}

			printed := make(map[string]bool)
			printNew := func() {
				cutoff := time.Now().Add(-since)
				for _, m := range sess.Messages(conversationID) {
					key := m.ID
					if key == "" {
						key = m.TempID
					}
					if printed[key] {
						continue
					}
					if since > 0 && m.CreatedAt.Before(cutoff) {
						printed[key] = true
						continue
					}
					printed[key] = true
					_ = printMessage(cmd, m)
				}
			}
			printNew()

			if markRead {
				sess.MarkRead(ctx, conversationID)
			}

			changed := make(chan struct{}, 1)
			sess.OnChange(func(id string) {
				if id != conversationID {
					return
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			})

			// Manual retry: any line on stdin forces a reconnect attempt.
			go watchRetryInput(ctx, os.Stdin, sess.ForceReconnect)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-changed:
					printNew()
					if markRead {
						sess.MarkRead(ctx, conversationID)
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "Mark the conversation read while following")
	cmd.Flags().DurationVar(&since, "since", 0, "Only show history newer than this (e.g. 24h; 0 shows everything)")
	return cmd
}

// watchRetryInput triggers retry for every read from r until ctx is
// cancelled or r is closed.
func watchRetryInput(ctx context.Context, r io.Reader, retry func()) {
	buf := make([]byte, 1)
	for {
		if _, err := r.Read(buf); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		retry()
	}
}

func newDMSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id|title> <body>",
		Short: "Send a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validation.ValidateBody(args[1]); err != nil {
				return err
			}
			client, _, err := getClient()
			if err != nil {
				return err
			}
			conversationID, err := resolveConversation(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}
			rec, err := client.InsertMessage(cmd.Context(), conversationID, args[1])
			if err != nil {
				return err
			}
			return emit(cmd, map[string]any{
				"kind": "dm.send",
				"item": rec,
			}, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", rec.ID)
				return err
			})
		},
	}
}

func newDMReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id|title>",
		Short: "Mark a conversation read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := getClient()
			if err != nil {
				return err
			}
			conversationID, err := resolveConversation(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}
			if err := client.UpsertReadCursor(cmd.Context(), conversationID, time.Now()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "marked read")
			return err
		},
	}
}

// buildSession assembles a realtime session from the stored account: the
// hosted Pulse websocket by default, Redis pub/sub for self-hosted servers.
func buildSession(ctx context.Context, client *api.Client, acct config.Account) (*session.Session, error) {
	var dialer feed.Dialer
	if acct.RedisAddr != "" {
		dialer = &redisfeed.Dialer{Addr: acct.RedisAddr}
	} else {
		profile, err := client.Profile(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch realtime credentials: %w", err)
		}
		if profile.PulseURL == "" || profile.PulseToken == "" {
			return nil, fmt.Errorf("profile has no realtime credentials; cannot connect to feed")
		}
		dialer = &pulse.Dialer{URL: profile.PulseURL + "?token=" + profile.PulseToken}
	}
	return session.New(session.Options{
		Store:  client,
		Dialer: dialer,
		SelfID: acct.UserID,
	}), nil
}

// resolveConversation accepts an exact conversation id or a fuzzy title.
func resolveConversation(ctx context.Context, client *api.Client, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if err := validation.ValidateConversationID(arg); err != nil {
		return "", err
	}
	convs, err := client.ListConversations(ctx)
	if err != nil {
		return "", err
	}
	items := make([]resolve.Named, 0, len(convs))
	for _, c := range convs {
		if c.ID == arg {
			return c.ID, nil
		}
		items = append(items, resolve.Named{ID: c.ID, Title: c.Title})
	}
	return resolve.FuzzyMatch(arg, items)
}

func printMessage(cmd *cobra.Command, m session.MessageView) error {
	return emit(cmd, map[string]any{
		"kind":            "dm.message",
		"conversation_id": m.ConversationID,
		"id":              m.ID,
		"temp_id":         m.TempID,
		"sender_id":       m.SenderID,
		"body":            m.Body,
		"created_at":      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"status":          m.DisplayStatus.String(),
	}, func() error {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s (%s): %s\n",
			formatTime(m.CreatedAt), m.SenderID, m.DisplayStatus, m.Body)
		return err
	})
}
