package main

import (
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/shockpkg/projector/internal/fsutil"
	"github.com/shockpkg/projector/swf"
)

var (
	loaderOpts       swf.LoaderOptions
	loaderVersion    int
	loaderBackground string
	loaderOutput     string
)

var loaderCmd = &cobra.Command{
	Use:   "loader <url>",
	Short: "Write a stub movie that loads another movie",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if loaderVersion < 0 || loaderVersion > 255 {
			return errors.Errorf("version %d out of range", loaderVersion)
		}
		bg, err := parseColor(loaderBackground)
		if err != nil {
			return err
		}
		opts := loaderOpts
		opts.Version = uint8(loaderVersion)
		opts.Background = bg
		opts.URL = args[0]

		movie, err := swf.Loader(opts)
		if err != nil {
			return err
		}
		if err := fsutil.WriteFile(loaderOutput, movie, 0o644); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"output":  loaderOutput,
			"version": opts.Version,
			"url":     opts.URL,
		}).Info("wrote loader")
		return nil
	},
}

func init() {
	f := loaderCmd.Flags()
	f.IntVar(&loaderVersion, "swf-version", 8, "Movie format version (4 or later)")
	f.Float64Var(&loaderOpts.Width, "width", 550, "Stage width in pixels")
	f.Float64Var(&loaderOpts.Height, "height", 400, "Stage height in pixels")
	f.Float64Var(&loaderOpts.FrameRate, "fps", 30, "Frame rate")
	f.StringVar(&loaderBackground, "background", "ffffff", "Background color as RRGGBB")
	f.IntVar(&loaderOpts.Delay, "delay", 0, "Frames to wait before loading")
	f.StringVarP(&loaderOutput, "output", "o", "loader.swf", "Output path")
}

func parseColor(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "#"), "0x")
	if len(s) != 6 {
		return 0, errors.Errorf("background %q is not RRGGBB", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "background %q", s)
	}
	return uint32(v), nil
}
