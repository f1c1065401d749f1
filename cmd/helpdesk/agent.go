package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"helpdesk/internal/bus"
	"helpdesk/internal/domain"
	"helpdesk/internal/inbox"

	"github.com/spf13/cobra"
)

// Commands for the agent side of the conversation.

func inboxCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List support conversations, newest activity first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			api, err := newClient(cfg, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eventBus := bus.NewEventBus(logger)
			poller := inbox.New(inbox.Options{
				API:      api,
				Interval: time.Duration(cfg.Widget.ListPollInterval) * time.Millisecond,
				Bus:      eventBus,
				Logger:   logger,
			})
			if !watch {
				if _, err := poller.Refresh(ctx); err != nil {
					return err
				}
				printInbox(os.Stdout, poller.Tickets(), false)
				return nil
			}

			eventBus.On(bus.EventInboxChanged, func(bus.Event) {
				printInbox(os.Stdout, poller.Tickets(), true)
			})
			return poller.Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep polling and redraw on change")
	return cmd
}

func printInbox(out io.Writer, tickets []domain.TicketSummary, clear bool) {
	if clear {
		fmt.Fprint(out, "\033[H\033[2J")
	}
	if len(tickets) == 0 {
		fmt.Fprintln(out, "No conversations.")
		return
	}
	now := time.Now()
	for _, t := range tickets {
		fmt.Fprintln(out, inbox.Format(t, now))
	}
}

func replyCmd() *cobra.Command {
	var (
		file   string
		sender string
	)
	cmd := &cobra.Command{
		Use:   "reply [ticket-id] [message...]",
		Short: "Reply to a conversation as an agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := domain.ParseSender(sender)
			if err != nil || from.IsLocal() || from == domain.SenderAssistant {
				return fmt.Errorf("--as must be agent or admin")
			}
			req := domain.AppendMessageRequest{
				TicketID: args[0],
				Content:  strings.Join(args[1:], " "),
				Sender:   from,
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				ct := mime.TypeByExtension(filepath.Ext(file))
				if ct == "" {
					ct = http.DetectContentType(data)
				}
				req.Upload = &domain.Upload{Name: filepath.Base(file), ContentType: ct, Data: data}
			}

			cfg := loadConfigOrDefaults()
			api, err := newClient(cfg, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := api.AppendMessage(ctx, req); err != nil {
				return err
			}
			logger.Info("reply sent", "ticket", req.TicketID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "attach a file")
	cmd.Flags().StringVar(&sender, "as", string(domain.SenderAgent), "sender role: agent or admin")
	return cmd
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close [ticket-id]",
		Short: "Close a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			api, err := newClient(cfg, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := api.UpdateStatus(ctx, args[0], domain.StatusClosed); err != nil {
				return err
			}
			logger.Info("conversation closed", "ticket", args[0])
			return nil
		},
	}
}
