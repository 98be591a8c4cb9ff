package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/spec-kit/storefront-chat/internal/api/dto"
	"github.com/spec-kit/storefront-chat/internal/client"
	"github.com/spec-kit/storefront-chat/internal/domain"
)

type globalOptions struct {
	server string
	token  string
}

func (o *globalOptions) client() *client.Client {
	return client.New(o.server, client.WithToken(o.token))
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func newLoginCommand(opts *globalOptions) *cobra.Command {
	var (
		email    string
		password string
		name     string
		staff    bool
		register bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a token for CHAT_TOKEN",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			var (
				login *client.Login
				err   error
			)
			switch {
			case staff:
				login, err = c.LoginStaff(cmd.Context(), email, password)
			case register:
				login, err = c.RegisterCustomer(cmd.Context(), name, email, password)
			default:
				login, err = c.LoginCustomer(cmd.Context(), email, password)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "logged in as %s (%s), token expires %s\n",
				login.Principal.Name, login.Principal.Role, login.Auth.ExpiresAt.Local().Format(time.RFC1123))
			fmt.Fprintln(cmd.OutOrStdout(), login.Auth.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&name, "name", "", "display name (with --register)")
	cmd.Flags().BoolVar(&staff, "staff", false, "log in as support staff")
	cmd.Flags().BoolVar(&register, "register", false, "create a customer account first")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newChatCommand(opts *globalOptions) *cobra.Command {
	var (
		sessionID int64
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a chat and exchange messages; each stdin line is sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			c := opts.client()

			if sessionID == 0 {
				id, err := openOrResume(ctx, c)
				if err != nil {
					return err
				}
				sessionID = id
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(cmd.ErrOrStderr(), "chat #%d, type a line and press enter to send\n", sessionID)

			poller := client.NewMessagePoller(c, sessionID, interval)
			poller.OnMessages = func(msgs []dto.MessageView) { printMessages(out, msgs) }
			poller.OnStatus = func(s domain.SessionStatus) { fmt.Fprintf(out, "-- chat is %s --\n", s) }
			poller.OnError = func(err error) { fmt.Fprintf(cmd.ErrOrStderr(), "poll failed: %v\n", err) }
			poller.OnClosed = cancel

			composer := client.NewComposer(c, sessionID)
			go sendLines(ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), composer)

			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "follow an existing chat (agents)")
	cmd.Flags().DurationVar(&interval, "interval", client.DefaultMessageInterval, "poll interval")
	return cmd
}

func openOrResume(ctx context.Context, c *client.Client) (int64, error) {
	current, err := c.CurrentSession(ctx)
	if err != nil {
		return 0, err
	}
	if current != nil {
		return current.ID, nil
	}
	return c.StartChat(ctx)
}

func sendLines(ctx context.Context, in io.Reader, errOut io.Writer, composer *client.Composer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		composer.SetDraft(scanner.Text())
		if _, err := composer.Send(ctx); err != nil && !errors.Is(err, client.ErrEmptyDraft) {
			fmt.Fprintf(errOut, "not sent (%v): %s\n", err, composer.Draft())
			composer.SetDraft("")
		}
	}
}

func printMessages(out io.Writer, msgs []dto.MessageView) {
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s] %-8s %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderType, m.Message)
	}
}

func newSessionsCommand(opts *globalOptions) *cobra.Command {
	var (
		mine     bool
		status   string
		limit    int
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List chats for agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			c := opts.client()
			listOpts := client.SessionListOptions{Mine: mine, Limit: limit}
			for _, s := range strings.Split(status, ",") {
				if s = strings.TrimSpace(s); s != "" {
					listOpts.Statuses = append(listOpts.Statuses, domain.SessionStatus(s))
				}
			}
			out := cmd.OutOrStdout()
			if !watch {
				sessions, err := c.SessionList(ctx, listOpts)
				if err != nil {
					return err
				}
				printSessions(out, sessions)
				return nil
			}
			poller := client.NewSessionListPoller(c, listOpts, interval)
			poller.OnSessions = func(s []dto.SessionSummaryView) {
				fmt.Fprintf(out, "== %s ==\n", time.Now().Format("15:04:05"))
				printSessions(out, s)
			}
			poller.OnError = func(err error) { fmt.Fprintf(cmd.ErrOrStderr(), "refresh failed: %v\n", err) }
			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only chats assigned to me or waiting")
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "refresh until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", client.DefaultSessionInterval, "refresh interval")
	return cmd
}

func printSessions(out io.Writer, sessions []dto.SessionSummaryView) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no chats")
		return
	}
	for _, s := range sessions {
		agent := "-"
		if s.AgentID != nil {
			agent = strconv.FormatInt(*s.AgentID, 10)
		}
		fmt.Fprintf(out, "#%-6d %-8s %-20s agent=%-6s unread=%-3d last=%s\n",
			s.ID, s.Status, s.CustomerName, agent, s.UnreadCount, s.LastActivityAt.Local().Format("15:04:05"))
	}
}

func newTransitionCommand(opts *globalOptions, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " SESSION_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Wrap(err, "session id")
			}
			c := opts.client()
			var res *client.Transition
			switch verb {
			case "accept":
				res, err = c.AcceptChat(cmd.Context(), id)
			case "decline":
				res, err = c.DeclineChat(cmd.Context(), id)
			default:
				res, err = c.EndChat(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			note := ""
			if !res.Changed {
				note = " (already done)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chat #%d is %s%s\n", id, res.Status, note)
			return nil
		},
	}
}
