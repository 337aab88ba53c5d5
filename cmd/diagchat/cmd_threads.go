package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/diagchat/internal/chat"
	"github.com/user/diagchat/internal/types"
	"github.com/user/diagchat/pkg/api"
)

func init() {
	rootCmd.AddCommand(threadsCmd)
	threadsCmd.AddCommand(threadsListCmd, threadsCreateCmd, threadsShowCmd, threadsResolveCmd)

	f := threadsListCmd.Flags()
	f.String("plate", "", "filter by license plate")
	f.Bool("resolved", false, "only resolved (or, with =false, unresolved) conversations")
	f.Bool("archived", false, "only archived (or, with =false, unarchived) conversations")
	f.String("search", "", "free-text search")
	f.Int("limit", 50, "maximum number of conversations")

	f = threadsCreateCmd.Flags()
	f.String("plate", "", "license plate (required)")
	f.Int("km", 0, "odometer reading")
	f.String("codes", "", "diagnostic trouble codes, comma separated")
	f.String("context", "", "free-text vehicle context")
	_ = threadsCreateCmd.MarkFlagRequired("plate")
}

var threadsCmd = &cobra.Command{
	Use:     "threads",
	Aliases: []string{"thread"},
	Short:   "Manage diagnostic conversations",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations in the selected workshop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			f := cmd.Flags()
			var filter api.ThreadFilter
			filter.LicensePlate, _ = f.GetString("plate")
			filter.Search, _ = f.GetString("search")
			filter.Limit, _ = f.GetInt("limit")
			if f.Changed("resolved") {
				v, _ := f.GetBool("resolved")
				filter.IsResolved = &v
			}
			if f.Changed("archived") {
				v, _ := f.GetBool("archived")
				filter.IsArchived = &v
			}

			list, err := a.directory().List(ctx, filter)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPLATE\tSTATUS\tCODES\tTOKENS\tLAST MESSAGE")
			for _, t := range list {
				last := "-"
				if t.LastMessageAt != nil {
					last = t.LastMessageAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					t.ID, t.LicensePlate, t.Status, t.ErrorCodes, t.TotalTokens, last)
			}
			return w.Flush()
		})
	},
}

var threadsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a conversation about a vehicle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			f := cmd.Flags()
			var nt types.NewThread
			nt.LicensePlate, _ = f.GetString("plate")
			nt.VehicleKM, _ = f.GetInt("km")
			nt.ErrorCodes, _ = f.GetString("codes")
			nt.VehicleContext, _ = f.GetString("context")

			thread, err := a.directory().Create(ctx, nt)
			if err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Created conversation %s for %s.\n", thread.ID, thread.LicensePlate)
			return nil
		})
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			detail, err := a.api.GetThread(ctx, types.ThreadID(args[0]))
			if err != nil {
				return fmt.Errorf("load conversation: %w", err)
			}
			printThread(&detail.Thread)
			for _, msg := range detail.Messages {
				printMessage(msg)
			}
			return nil
		})
	},
}

var threadsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a conversation resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			id := types.ThreadID(args[0])
			detail, err := a.api.GetThread(ctx, id)
			if err != nil {
				return fmt.Errorf("load conversation: %w", err)
			}
			resolved := true
			status := types.ThreadResolved
			if _, err := a.api.UpdateThread(ctx, id, api.ThreadUpdate{
				Version:    detail.Thread.Version,
				IsResolved: &resolved,
				Status:     &status,
			}); err != nil {
				return fmt.Errorf("resolve conversation: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Conversation %s resolved.\n", id)
			return nil
		})
	},
}

func printThread(t *types.Thread) {
	fmt.Printf("Conversation %s  plate=%s  status=%s  tokens=%d\n", t.ID, t.LicensePlate, t.Status, t.TotalTokens)
	if t.ErrorCodes != "" {
		fmt.Printf("Codes: %s\n", t.ErrorCodes)
	}
	if t.VehicleContext != "" {
		fmt.Printf("Context: %s\n", t.VehicleContext)
	}
	fmt.Println()
}

func printMessage(msg types.Message) {
	who := "you"
	if msg.Role == types.RoleAssistant {
		who = "assistant"
	} else if msg.Role == types.RoleSystem {
		who = "system"
	}
	fmt.Printf("[%s] %s:\n%s\n\n", msg.CreatedAt.Local().Format(time.TimeOnly), who, chat.NormalizeContent(msg))
}
