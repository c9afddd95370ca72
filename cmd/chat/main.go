package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/finance-gateway/internal/config"
	"github.com/lexiqai/finance-gateway/internal/present"
)

var (
	serverURL string
	sessionID string
	language  string
	timeout   time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "finance-chat",
		Short: "Chat with the finance gateway from the terminal",
		Long: `Starts an interactive chat with the finance gateway. Replies that carry
market data are drawn as a chart or table above the answer.

Example:
  finance-chat
  finance-chat ask "What is the current price of AAPL?"
  finance-chat ping`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runREPL,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "url", "u", config.GetEnv("FINANCE_GATEWAY_URL", "http://localhost:8000"), "Gateway base URL")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "Session id (defaults to the server's default session)")
	rootCmd.PersistentFlags().StringVarP(&language, "language", "l", "", "Language the assistant should answer in")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 90*time.Second, "Per-request timeout")

	askCmd := &cobra.Command{
		Use:   "ask <prompt...>",
		Short: "Send one prompt and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the gateway is reachable",
		Args:  cobra.NoArgs,
		RunE:  runPing,
	}

	rootCmd.AddCommand(askCmd, pingCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() *present.Client {
	return present.NewClient(present.Options{
		BaseURL:   serverURL,
		SessionID: sessionID,
		Language:  language,
		Timeout:   timeout,
	})
}

func runREPL(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	chat := newSession(newClient(), cmd.OutOrStdout())
	return chat.run(ctx, cmd.InOrStdin())
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	chat := newSession(newClient(), cmd.OutOrStdout())
	if !chat.ask(ctx, strings.Join(args, " ")) {
		return fmt.Errorf("request failed")
	}
	return nil
}

func runPing(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	if err := newClient().Ping(ctx); err != nil {
		return fmt.Errorf("%s: %w", present.Notice(err), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Gateway at %s is up\n", serverURL)
	return nil
}
