package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "debatecli",
	Short: "Argue with a retrieval-grounded debate agent from the terminal",
	Long: `debatecli talks to the debate agent directly, without the HTTP server.

The first message you send decides the subject and the side the agent
argues against you. Configuration is read from the environment (and .env).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
