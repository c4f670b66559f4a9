package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/taskchat/internal/api"
	"github.com/matheus3301/taskchat/internal/chat"
	"github.com/matheus3301/taskchat/internal/lock"
	"github.com/matheus3301/taskchat/internal/profile"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and cache status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if grpcstatus.Code(err) == codes.Unavailable {
					return notRunning(err)
				}
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(st)
					return nil
				}
				fmt.Printf("Profile:       %s\n", st.Profile)
				fmt.Printf("Connection:    %s (since %s)\n", st.State, st.StateSince.Local().Format(time.TimeOnly))
				fmt.Printf("Uptime:        %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
				fmt.Printf("Token:         %s\n", yesNo(st.HasToken))
				fmt.Printf("Conversations: %d (%d unread)\n", st.Conversations, st.TotalUnread)
				if st.OpenConversation != "" {
					fmt.Printf("Open:          %s\n", st.OpenConversation)
				}
				if st.Pending > 0 {
					fmt.Printf("Pending sends: %d\n", st.Pending)
				}
				if len(st.Loading) > 0 {
					fmt.Printf("Loading:       %s\n", strings.Join(st.Loading, ", "))
				}
				ops := make([]string, 0, len(st.Errors))
				for op := range st.Errors {
					ops = append(ops, op)
				}
				sort.Strings(ops)
				for _, op := range ops {
					fmt.Printf("Error (%s): %s\n", op, st.Errors[op])
				}
				return nil
			})
		},
	}
}

// notRunning explains an unreachable daemon using the profile lock file.
func notRunning(err error) error {
	name, nameErr := profileName()
	if nameErr != nil {
		return err
	}
	owner, ownerErr := lock.ReadOwner(profile.LockPath(name))
	if ownerErr != nil {
		return fmt.Errorf("daemon for profile %q is not running", name)
	}
	return fmt.Errorf("daemon for profile %q holds the lock (PID %d since %s) but does not answer: %s",
		name, owner.PID, owner.Since.Local().Format(time.DateTime), describe(err))
}

func conversationsCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List cached conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				list := c.ListConversations
				if refresh {
					list = c.Refresh
				}
				r, err := list(ctx)
				if err != nil {
					return err
				}
				printConversations(r.Conversations)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload from the server first")
	return cmd
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reload the conversation list from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				r, err := c.Refresh(ctx)
				if err != nil {
					return err
				}
				printConversations(r.Conversations)
				return nil
			})
		},
	}
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Open a conversation and show its newest messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				r, err := c.Open(ctx, args[0])
				if err != nil {
					return err
				}
				printThread(r)
				return nil
			})
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Leave the open conversation, keeping its cached messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				return c.CloseConversation(ctx)
			})
		},
	}
}

func moreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "more",
		Short: "Load older messages of the open conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				r, err := c.LoadMore(ctx)
				if err != nil {
					return err
				}
				printThread(r)
				return nil
			})
		},
	}
}

func messagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages [conversation-id]",
		Short: "Show cached messages without fetching",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				r, err := c.ListMessages(ctx, id)
				if err != nil {
					return err
				}
				printThread(r)
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text...>",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.Join(args[1:], " ")
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				r, err := c.Send(ctx, args[0], body)
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(r)
					return nil
				}
				fmt.Printf("sent %s\n", r.Message.ID)
				return nil
			})
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read [conversation-id]",
		Short: "Mark a conversation read (default: the open one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				return c.MarkRead(ctx, id)
			})
		},
	}
}

func chatCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "chat <peer-id>",
		Short: "Get or create the conversation with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
				r, err := c.GetOrCreate(ctx, args[0], taskID)
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(r)
					return nil
				}
				fmt.Println(r.Conversation.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "scope the conversation to a task")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the daemon's in-memory bearer token",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set [token|-]",
			Short: "Set the token; '-' or no argument reads it from stdin",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				token := ""
				if len(args) == 1 && args[0] != "-" {
					token = args[0]
				} else {
					line, err := bufio.NewReader(os.Stdin).ReadString('\n')
					if err != nil && line == "" {
						return fmt.Errorf("read token: %w", err)
					}
					token = line
				}
				token = strings.TrimSpace(token)
				if token == "" {
					return fmt.Errorf("empty token")
				}
				return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
					return c.SetToken(ctx, token)
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Forget the token and drop the push connection",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
					return c.SetToken(ctx, "")
				})
			},
		},
	)
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream cache and connection changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := profileName()
			if err != nil {
				return err
			}
			c, err := api.Dial(profile.SocketPath(name))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			return c.Watch(cmd.Context(), func(ch api.Change) error {
				if jsonOut {
					outputJSON(ch)
					return nil
				}
				line := fmt.Sprintf("%s %s", ch.At.Local().Format(time.TimeOnly), ch.Kind)
				if ch.ConversationID != "" {
					line += " " + ch.ConversationID
				}
				if ch.State != "" {
					line += " " + ch.State
					if ch.Resumed {
						line += " (resumed)"
					}
				}
				if ch.Error != "" {
					line += ": " + ch.Error
				}
				fmt.Println(line)
				return nil
			})
		},
	}
}

func printConversations(convs []chat.Conversation) {
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range convs {
		name := c.OtherParticipant.Name
		if name == "" {
			name = c.OtherParticipant.ID
		}
		if c.OtherParticipant.Online {
			name += " *"
		}
		preview := ""
		if c.LastMessage != nil {
			preview = truncate(c.LastMessage.Body, 40)
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("(%d)", c.UnreadCount)
		}
		fmt.Printf("%-24s %-20s %-5s %s\n", c.ID, truncate(name, 20), unread, preview)
	}
}

func printThread(r api.MessagesReply) {
	if jsonOut {
		outputJSON(r)
		return
	}
	for _, m := range r.Messages {
		who := m.SenderName
		if who == "" {
			who = m.SenderID
		}
		mark := ""
		switch {
		case m.Pending():
			mark = " …"
		case m.Read:
			mark = " ✓"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.DateTime), who, m.Body, mark)
	}
	if r.HasMore {
		fmt.Println("(older messages available: taskchatctl more)")
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
