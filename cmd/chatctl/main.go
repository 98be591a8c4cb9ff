// Command chatctl drives the chat API from a terminal, polling the same way
// the storefront widget and the agent console do.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Talk to the storefront chat service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("CHAT_SERVER", "http://localhost:8080"), "chat service base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CHAT_TOKEN"), "bearer token (see login)")

	root.AddCommand(
		newLoginCommand(opts),
		newChatCommand(opts),
		newSessionsCommand(opts),
		newTransitionCommand(opts, "accept", "Accept a pending chat"),
		newTransitionCommand(opts, "decline", "Decline a pending chat"),
		newTransitionCommand(opts, "end", "End a chat"),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
