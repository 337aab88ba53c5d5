package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/diagchat/internal/config"
)

func init() {
	loginCmd.Flags().StringP("username", "u", "", "username (defaults to auth.username)")
	rootCmd.AddCommand(loginCmd, logoutCmd, statusCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			scanner := bufio.NewScanner(os.Stdin)

			username, _ := cmd.Flags().GetString("username")
			if username == "" {
				username = prompt(scanner, "Username", a.cfg.Auth.Username)
			}
			if username == "" {
				return fmt.Errorf("username is required")
			}
			password := a.cfg.Auth.Password
			if password == "" {
				password = prompt(scanner, "Password", "")
			}

			if err := a.auth.Login(ctx, username, password); err != nil {
				return err
			}
			if username != a.cfg.Auth.Username {
				if err := config.SetValue(cfgPath, "auth.username", username); err != nil {
					fmt.Fprintf(os.Stderr, "warning: could not remember username: %v\n", err)
				}
			}
			fmt.Fprintf(os.Stdout, "Logged in as %s.\n", username)

			// A technician with a single workshop needs no explicit selection.
			if _, ok := a.workshops.Current(); !ok {
				list, err := a.api.ListWorkshops(ctx)
				if err == nil && len(list) == 1 {
					if err := a.workshops.Select(ctx, list[0]); err == nil {
						fmt.Fprintf(os.Stdout, "Using workshop %s.\n", list[0].Name)
					}
				}
			}
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.auth.Logout(ctx); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			fmt.Println("Logged out.")
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and workshop status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			fmt.Printf("API:        %s\n", a.cfg.API.BaseURL)
			if !a.auth.Authenticated() {
				fmt.Println("Session:    logged out")
			} else if exp, ok := a.auth.ExpiresAt(); ok {
				state := "valid"
				if a.auth.Expired(0) {
					state = "expired (will refresh on next request)"
				}
				fmt.Printf("Session:    %s, access token expires %s\n", state, exp.Local().Format(time.DateTime))
			} else {
				fmt.Println("Session:    logged in")
			}
			if ws, ok := a.workshops.Current(); ok {
				fmt.Printf("Workshop:   %s (%s)\n", ws.Name, ws.ID)
			} else {
				fmt.Println("Workshop:   none selected")
			}
			return nil
		})
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
