package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/diagchat/internal/chat"
	"github.com/user/diagchat/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

const chatHelp = `Commands: /quit  /resolve  /archive  /reconnect  /usage  /help`

var chatCmd = &cobra.Command{
	Use:   "chat <id>",
	Short: "Open a live conversation with the assistant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			coord := a.coordinator()
			defer coord.Close()

			done := make(chan struct{})
			var once sync.Once
			unsub := coord.Subscribe(func(u chat.Update) {
				printUpdate(coord, u)
				if u.Kind == chat.UpdateLoggedOut {
					once.Do(func() { close(done) })
				}
			})
			defer unsub()

			if err := coord.Select(ctx, types.ThreadID(args[0])); err != nil {
				return fmt.Errorf("open conversation: %w", err)
			}
			fmt.Println(chatHelp)

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-done:
					return errors.New("session ended, log in again")
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if quit := handleLine(ctx, coord, strings.TrimSpace(line)); quit {
						return nil
					}
				}
			}
		})
	},
}

// handleLine runs a slash command or sends the line as a message. It
// reports whether the session should end.
func handleLine(ctx context.Context, coord *chat.Coordinator, line string) bool {
	var err error
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(chatHelp)
	case "/resolve":
		err = coord.Resolve(ctx)
	case "/archive":
		err = coord.Archive(ctx)
	case "/reconnect":
		err = coord.Reconnect(ctx)
	case "/usage":
		if err = coord.RefreshUsage(ctx); err == nil {
			printUsage(coord.Usage())
		}
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Fprintf(os.Stderr, "! unknown command %s\n%s\n", line, chatHelp)
			return false
		}
		err = coord.SendMessage(ctx, line, nil)
	}
	if err == nil || errors.Is(err, chat.ErrEmptyMessage) {
		return false
	}
	// Backend failures of sends and edits already arrive as error updates.
	published := !strings.HasPrefix(line, "/") || line == "/resolve" || line == "/archive"
	if !published || errors.Is(err, chat.ErrNoThread) || errors.Is(err, chat.ErrAuthRequired) {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	}
	return false
}

func printUpdate(coord *chat.Coordinator, u chat.Update) {
	switch u.Kind {
	case chat.UpdateHistory:
		if snap := coord.Snapshot(); snap.Thread != nil {
			printThread(snap.Thread)
		}
		for _, msg := range u.Messages {
			printMessage(msg)
		}
	case chat.UpdateMessages:
		for _, msg := range u.Messages {
			printMessage(msg)
		}
	case chat.UpdateTyping:
		if len(u.Typing) > 0 {
			fmt.Println("... assistant is typing")
		}
	case chat.UpdateConnection:
		fmt.Fprintf(os.Stderr, "~ connection %s\n", u.State)
	case chat.UpdateStatus:
		fmt.Fprintf(os.Stderr, "~ %s\n", u.Status)
	case chat.UpdateEstimate:
		fmt.Fprintf(os.Stderr, "~ sending, about %d tokens\n", u.Estimate)
	case chat.UpdateThread:
		if snap := coord.Snapshot(); snap.Thread != nil {
			fmt.Fprintf(os.Stderr, "~ conversation %s, %d tokens used\n", snap.Thread.Status, snap.Thread.TotalTokens)
		}
	case chat.UpdateError:
		if u.Err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", u.Err)
		}
	case chat.UpdateLoggedOut:
		fmt.Fprintln(os.Stderr, "! logged out")
	}
}

func printUsage(u *types.TokenUsage) {
	if u == nil {
		fmt.Println("No usage data.")
		return
	}
	if u.User != nil {
		if u.User.IsUnlimited {
			fmt.Printf("You: %d tokens today, unlimited\n", u.User.DailyUsed)
		} else {
			fmt.Printf("You: %d today (%s left), %d this month (%s left)\n",
				u.User.DailyUsed, limitText(u.User.DailyRemaining),
				u.User.MonthlyUsed, limitText(u.User.MonthlyRemaining))
		}
	}
	if u.Workshop != nil {
		fmt.Printf("Workshop: %d of %d this month\n", u.Workshop.MonthlyUsed, u.Workshop.MonthlyLimit)
	}
}

func limitText(p *int) string {
	if p == nil {
		return "no limit"
	}
	return fmt.Sprint(*p)
}
