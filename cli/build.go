package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/shockpkg/projector"
	"github.com/shockpkg/projector/internal/fsutil"
)

// buildConfig is the optional YAML build file. Flags given on the command
// line override its values.
type buildConfig struct {
	Target            string `yaml:"target"`
	Player            string `yaml:"player"`
	Movie             string `yaml:"movie"`
	Output            string `yaml:"output"`
	IconPath          string `yaml:"icon"`
	projector.Options `yaml:",inline"`
}

var (
	configPath string
	flagConfig buildConfig
)

var buildCmd = &cobra.Command{
	Use:   "build [flags]",
	Short: "Patch a player binary and embed a movie",
	Example: `  projector build --target linux-x86_64 --player flashplayer --movie main.swf --title "My Game" -o my-game
  projector build --config projector.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		return runBuild(cfg)
	},
}

func init() {
	f := buildCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML build file")
	f.StringVarP(&flagConfig.Target, "target", "t", "", "Target platform ("+strings.Join(projector.TargetNames(), ", ")+")")
	f.StringVarP(&flagConfig.Player, "player", "p", "", "Player binary")
	f.StringVarP(&flagConfig.Movie, "movie", "m", "", "Movie to embed")
	f.StringVarP(&flagConfig.Output, "output", "o", "", "Output path (default: player name plus target extension)")
	f.StringVar(&flagConfig.Title, "title", "", "Window title")
	f.BoolVar(&flagConfig.RemoveMenu, "remove-menu", false, "Remove the menu bar (Linux)")
	f.BoolVar(&flagConfig.PathFix, "path-fix", false, "Fix relative movie path resolution (Linux)")
	f.BoolVar(&flagConfig.OffsetFix, "offset-fix", false, "Fix the 64-bit movie offset read (Linux x86_64)")
	f.BoolVar(&flagConfig.DisableOutOfDate, "disable-out-of-date", false, "Disable the out-of-date check (Windows)")
	f.BoolVar(&flagConfig.RemoveSignature, "remove-signature", false, "Remove the code signature (Windows, Mac)")
	f.StringToStringVar(&flagConfig.VersionStrings, "version-string", nil, "Set a version resource string, as Key=Value (Windows)")
	f.StringVar(&flagConfig.IconPath, "icon", "", "Replace the icon with an .ico file (Windows)")
}

// loadConfig reads the build file at path, if any, and overlays every
// flag set on the command line.
func loadConfig(path string, flags *pflag.FlagSet) (buildConfig, error) {
	var cfg buildConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read build file")
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
		base := filepath.Dir(path)
		for _, p := range []*string{&cfg.Player, &cfg.Movie, &cfg.Output, &cfg.IconPath} {
			if *p != "" && !filepath.IsAbs(*p) {
				*p = filepath.Join(base, *p)
			}
		}
	}

	overlay := map[string]func(){
		"target":              func() { cfg.Target = flagConfig.Target },
		"player":              func() { cfg.Player = flagConfig.Player },
		"movie":               func() { cfg.Movie = flagConfig.Movie },
		"output":              func() { cfg.Output = flagConfig.Output },
		"title":               func() { cfg.Title = flagConfig.Title },
		"remove-menu":         func() { cfg.RemoveMenu = flagConfig.RemoveMenu },
		"path-fix":            func() { cfg.PathFix = flagConfig.PathFix },
		"offset-fix":          func() { cfg.OffsetFix = flagConfig.OffsetFix },
		"disable-out-of-date": func() { cfg.DisableOutOfDate = flagConfig.DisableOutOfDate },
		"remove-signature":    func() { cfg.RemoveSignature = flagConfig.RemoveSignature },
		"version-string":      func() { cfg.VersionStrings = flagConfig.VersionStrings },
		"icon":                func() { cfg.IconPath = flagConfig.IconPath },
	}
	flags.Visit(func(f *pflag.Flag) {
		if set, ok := overlay[f.Name]; ok {
			set()
		}
	})

	if cfg.Target == "" {
		return cfg, errors.New("no target given")
	}
	if cfg.Player == "" {
		return cfg, errors.New("no player given")
	}
	return cfg, nil
}

func runBuild(cfg buildConfig) error {
	target, err := projector.Lookup(cfg.Target)
	if err != nil {
		return err
	}
	player, err := os.ReadFile(cfg.Player)
	if err != nil {
		return errors.Wrap(err, "read player")
	}
	var movie []byte
	if cfg.Movie != "" {
		if movie, err = os.ReadFile(cfg.Movie); err != nil {
			return errors.Wrap(err, "read movie")
		}
	}
	if cfg.IconPath != "" {
		if cfg.Icon, err = os.ReadFile(cfg.IconPath); err != nil {
			return errors.Wrap(err, "read icon")
		}
	}

	out, err := target.Build(player, movie, cfg.Options)
	if err != nil {
		return err
	}

	output := cfg.Output
	if output == "" {
		output = strings.TrimSuffix(cfg.Player, filepath.Ext(cfg.Player)) + "-projector" + target.Extension
	}
	if err := fsutil.WriteFile(output, out, 0o755); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"output": output,
		"size":   len(out),
	}).Info("wrote projector")
	if target.WritePlayer == nil {
		log.Info("movie not embedded: copy it into the application bundle")
	}
	return nil
}
