package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stranger-cam/stranger/internal/config"
	"github.com/stranger-cam/stranger/internal/logging"
	"github.com/stranger-cam/stranger/internal/ui"
	"github.com/stranger-cam/stranger/internal/version"
)

// rootCmd represents the base command when called without any subcommands.
// On its own it starts chatting.
var rootCmd = &cobra.Command{
	Use:   "stranger",
	Short: "Random one-to-one video chat with strangers, peer to peer over WebRTC",
	Long: `Stranger pairs you with a random person through a rendezvous server and
connects your camera and microphone to theirs directly using WebRTC. Skip to
the next stranger at any time; the server only relays the connection setup.`,
	Version: version.Version,
	Args:    cobra.NoArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			logging.SetLevel(logging.ParseLevel(lvl))
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd)
	},
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
	registerChatFlags(rootCmd.Flags())
	rootCmd.AddCommand(chatCmd, devicesCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
