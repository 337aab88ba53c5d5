package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/diagchat/internal/types"
)

func init() {
	rootCmd.AddCommand(workshopCmd)
	workshopCmd.AddCommand(workshopListCmd, workshopUseCmd)
}

var workshopCmd = &cobra.Command{
	Use:   "workshop",
	Short: "List and select workshops",
}

var workshopListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the workshops available to you",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			list, err := a.api.ListWorkshops(ctx)
			if err != nil {
				return fmt.Errorf("list workshops: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No workshops found.")
				return nil
			}

			current, _ := a.workshops.Current()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tNAME\tTOKENS USED\tLIMIT")
			for _, ws := range list {
				mark := ""
				if ws.ID == current.ID {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", mark, ws.ID, ws.Name, ws.TokensUsedThisMonth, ws.MonthlyTokenLimit)
			}
			return w.Flush()
		})
	},
}

var workshopUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Select the workshop new conversations belong to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			list, err := a.api.ListWorkshops(ctx)
			if err != nil {
				return fmt.Errorf("list workshops: %w", err)
			}
			for _, ws := range list {
				if ws.ID == types.WorkshopID(args[0]) || ws.Slug == args[0] {
					if err := a.workshops.Select(ctx, ws); err != nil {
						return err
					}
					fmt.Fprintf(os.Stdout, "Using workshop %s.\n", ws.Name)
					return nil
				}
			}
			return fmt.Errorf("workshop not found: %s", args[0])
		})
	},
}
