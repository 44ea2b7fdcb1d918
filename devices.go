package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mrsingh-rishi/livetranslate/audio/miniaudio"
	"github.com/mrsingh-rishi/livetranslate/model"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		driver, err := miniaudio.New(logger.Named("audio"))
		if err != nil {
			return err
		}
		defer driver.Close()

		devices, err := driver.Devices()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("no input devices found")
			return nil
		}
		selected := cfg.Audio.Device
		if selected == "" {
			selected = devices[0].ID
		}
		printDevices(devices, selected)
		return nil
	},
}

func printDevices(devices []model.AudioDevice, selected string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"", "ID", "Label"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, d := range devices {
		mark := ""
		if d.ID == selected {
			mark = "*"
		}
		table.Append([]string{mark, d.ID, d.DisplayLabel()})
	}
	table.Render()
}
