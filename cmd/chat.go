package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stranger-cam/stranger/internal/config"
	"github.com/stranger-cam/stranger/internal/logging"
	"github.com/stranger-cam/stranger/internal/media"
	"github.com/stranger-cam/stranger/internal/peer"
	"github.com/stranger-cam/stranger/internal/rtc"
	"github.com/stranger-cam/stranger/internal/session"
	"github.com/stranger-cam/stranger/internal/signaling"
	"github.com/stranger-cam/stranger/internal/ui"
)

var flagPlain bool

var chatCmd = &cobra.Command{
	Use:     "chat",
	Aliases: []string{"c"},
	Short:   "Meet random strangers over video",
	Long: `Acquire the camera and microphone, join the matchmaking pool and video chat
with whoever you are paired with.

Examples:
  stranger chat
  stranger chat --domain chat.example.com
  stranger chat --turn turn.example.com --turn-user me --turn-pass secret --relay
  stranger chat --plain`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd)
	},
}

func init() {
	registerChatFlags(chatCmd.Flags())
}

func registerChatFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&flagPlain, "plain", false, "Print state changes instead of the interactive view")
}

func runChat(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return peer.NewError("load config", err)
	}
	if cfg.LogLevel != "" {
		logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	}
	ctx := cmd.Context()

	sp := ui.NewConnectionSpinner("Connecting to server...")
	sp.Start()
	channel, err := signaling.Open(ctx, cfg.WebSocketURL(), signaling.WithBackoff(cfg.ReconnectMin, cfg.ReconnectMax))
	if err != nil {
		sp.Error(fmt.Sprintf("Could not reach %s", cfg.Domain))
		return peer.NewError("connect to server", err)
	}
	sp.Success(fmt.Sprintf("Connected to %s", cfg.Domain))

	dialer := rtc.NewDialer(rtc.Options{
		Configuration: rtc.NewConfiguration(cfg),
		Trickle:       cfg.Trickle,
		LoggerFactory: logging.PionFactory{Logger: slog.Default()},
	})
	source := media.NewSource(media.Constraints{
		Width:        cfg.VideoWidth,
		Height:       cfg.VideoHeight,
		VideoBitrate: cfg.VideoBitrate,
	})

	// The coordinator owns source and channel from here on.
	coord := session.New(source, channel, dialer, session.Options{
		ConnectTimeout:  cfg.ConnectTimeout,
		ReconnectPolicy: cfg.ReconnectPolicy,
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- coord.Run(ctx)
	}()

	if flagPlain {
		ui.ReportPlain(ctx, os.Stdout, coord)
	} else {
		view := ui.NewChatUI(coord)
		view.Start()
		if err := view.Wait(); err != nil {
			slog.Warn("interactive view unavailable, falling back to plain output", "err", err)
			ui.ReportPlain(ctx, os.Stdout, coord)
		}
	}

	coord.Shutdown()
	if err := <-runErr; err != nil {
		return peer.NewError("chat", err)
	}

	ui.RenderSessionSummary(coord.History())
	return nil
}
