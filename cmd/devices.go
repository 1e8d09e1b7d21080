package cmd

import (
	"github.com/spf13/cobra"
	"github.com/stranger-cam/stranger/internal/media"
	"github.com/stranger-cam/stranger/internal/ui"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"d"},
	Short:   "List the cameras and microphones stranger can use",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stopSpinner := ui.RunSpinner("Looking for capture devices...")
		devices := media.ListDevices()
		stopSpinner()

		ui.RenderDeviceTable(devices)
		return nil
	},
}
