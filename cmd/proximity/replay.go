package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"salesfloor/proximity/internal/model"
	"salesfloor/proximity/internal/replay"
)

type replayFlags struct {
	file        string
	zones       string
	vendor      string
	mode        string
	autoConfirm bool
	tail        time.Duration
}

func replayCommand(rt *runtime) *cobra.Command {
	f := &replayFlags{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a JSON-lines location log through zone detection",
		Long: `Replay feeds recorded location samples, one JSON object per line, through the
sample processor and session state machine with a fixed zone set and prints every
transition. Recording starts are simulated as immediately successful.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, rt, f)
		},
	}

	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Path to the samples file (JSON lines)")
	cmd.Flags().StringVarP(&f.zones, "zones", "z", "", "Path to a JSON array of zones")
	cmd.Flags().StringVar(&f.vendor, "vendor", "replay", "Vendor ID to replay as")
	cmd.Flags().StringVar(&f.mode, "mode", string(model.ModeAutomatic), "Recording mode: automatic, confirm, manual")
	cmd.Flags().BoolVar(&f.autoConfirm, "auto-confirm", false, "Answer confirmation prompts immediately")
	cmd.Flags().DurationVar(&f.tail, "tail", time.Minute, "Advance timers this far past the last sample")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("zones")
	return cmd
}

func runReplay(cmd *cobra.Command, rt *runtime, f *replayFlags) error {
	mode := model.RecordingMode(f.mode)
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %q", f.mode)
	}

	zf, err := os.Open(f.zones)
	if err != nil {
		return err
	}
	defer zf.Close()
	zones, err := replay.LoadZones(zf)
	if err != nil {
		return err
	}

	samples, err := os.Open(f.file)
	if err != nil {
		return err
	}
	defer samples.Close()

	agencyID := ""
	if len(zones) > 0 {
		agencyID = zones[0].AgencyID
	}
	res, err := replay.Run(cmd.Context(), samples, zones, replay.Options{
		VendorID: f.vendor,
		Config: model.VendorProximityConfig{
			AgencyID:                   agencyID,
			SystemActive:               true,
			Mode:                       mode,
			BackgroundRecordingAllowed: true,
		},
		Settings:    rt.config.Settings(),
		AutoConfirm: f.autoConfirm,
		Tail:        f.tail,
		Logger:      rt.logger.WithPrefix("replay"),
	})
	if err != nil {
		return err
	}
	return replay.Print(cmd.OutOrStdout(), res)
}
