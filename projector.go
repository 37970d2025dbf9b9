// Package projector builds standalone projector executables from vendor
// player binaries: it validates the player for a target platform, applies
// the requested binary patches and splices in the movie.
package projector

import (
	"debug/elf"
	"strings"

	"github.com/Binject/debug/pe"
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/shockpkg/projector/internal/catalog"
)

var (
	ErrUnknownTarget    = errors.New("projector: unknown target")
	ErrEmptyPlayer      = errors.New("projector: empty player binary")
	ErrMovieUnsupported = errors.New("projector: target does not embed a movie in the player")
	ErrUnsupported      = errors.New("projector: option not supported by target")
)

// Options selects the patches applied to a player.
type Options struct {
	Title            string            `yaml:"title"`
	RemoveMenu       bool              `yaml:"remove_menu"`
	PathFix          bool              `yaml:"path_fix"`
	OffsetFix        bool              `yaml:"offset_fix"`
	DisableOutOfDate bool              `yaml:"disable_out_of_date"`
	RemoveSignature  bool              `yaml:"remove_signature"`
	VersionStrings   map[string]string `yaml:"version_strings"`

	// Icon is the contents of an .ico file. Build files name the file
	// instead.
	Icon []byte `yaml:"-"`
}

// Target is one supported platform and architecture. ModifyPlayer
// validates and patches a player binary; WritePlayer, when set, embeds a
// movie into the modified player.
type Target struct {
	Name         string
	Extension    string
	ModifyPlayer func(player []byte, opts Options) ([]byte, error)
	WritePlayer  func(player, movie []byte) ([]byte, error)
}

// Targets is the closed set of supported targets.
var Targets = []Target{
	{
		Name:         "linux-i386",
		ModifyPlayer: linuxPlayer(linuxI386),
		WritePlayer:  Splice,
	},
	{
		Name:         "linux-x86_64",
		ModifyPlayer: linuxPlayer(linuxX8664),
		WritePlayer:  Splice,
	},
	{
		Name:         "mac",
		Extension:    ".app",
		ModifyPlayer: macPlayer,
	},
	{
		Name:         "windows-i386",
		Extension:    ".exe",
		ModifyPlayer: windowsPlayer(windowsI386),
		WritePlayer:  Splice,
	},
	{
		Name:         "windows-x86_64",
		Extension:    ".exe",
		ModifyPlayer: windowsPlayer(windowsX8664),
		WritePlayer:  Splice,
	},
}

var (
	linuxI386 = linuxArch{
		name:      "linux-i386",
		machine:   elf.EM_386,
		titleRefs: catalog.LinuxTitleRefs32,
		menu:      catalog.LinuxMenu32,
		pathFix:   catalog.LinuxPathFix32,
	}
	linuxX8664 = linuxArch{
		name:      "linux-x86_64",
		machine:   elf.EM_X86_64,
		titleRefs: catalog.LinuxTitleRefs64,
		menu:      catalog.LinuxMenu64,
		pathFix:   catalog.LinuxPathFix64,
		offsetFix: catalog.LinuxOffset64,
	}
	windowsI386 = windowsArch{
		name:      "windows-i386",
		machine:   pe.IMAGE_FILE_MACHINE_I386,
		outOfDate: catalog.WindowsOutOfDate32,
	}
	windowsX8664 = windowsArch{
		name:      "windows-x86_64",
		machine:   pe.IMAGE_FILE_MACHINE_AMD64,
		outOfDate: catalog.WindowsOutOfDate64,
	}
)

// TargetNames lists the names of Targets.
func TargetNames() []string {
	names := make([]string, len(Targets))
	for i, t := range Targets {
		names[i] = t.Name
	}
	return names
}

// Lookup returns the target called name.
func Lookup(name string) (Target, error) {
	for _, t := range Targets {
		if t.Name == name {
			return t, nil
		}
	}
	return Target{}, errors.Wrapf(ErrUnknownTarget, "%q (want one of %s)", name, strings.Join(TargetNames(), ", "))
}

// Build modifies player for the target and embeds movie when given. The
// input slices are never modified.
func (t Target) Build(player, movie []byte, opts Options) ([]byte, error) {
	if len(player) == 0 {
		return nil, ErrEmptyPlayer
	}
	if len(movie) > 0 && t.WritePlayer == nil {
		return nil, errors.Wrapf(ErrMovieUnsupported, "%s", t.Name)
	}
	ctx := log.WithField("target", t.Name)
	out, err := t.ModifyPlayer(player, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "projector: %s", t.Name)
	}
	if len(movie) > 0 {
		if out, err = t.WritePlayer(out, movie); err != nil {
			return nil, errors.Wrapf(err, "projector: %s", t.Name)
		}
		ctx.WithField("size", len(movie)).Debug("spliced movie")
	}
	ctx.WithField("size", len(out)).Info("built projector")
	return out, nil
}

// Build looks up the named target and builds with it.
func Build(target string, player, movie []byte, opts Options) ([]byte, error) {
	t, err := Lookup(target)
	if err != nil {
		return nil, err
	}
	return t.Build(player, movie, opts)
}

func applied(target, name string, opts Options) {
	fields := log.Fields{"target": target, "patch": name}
	if name == "title" {
		fields["title"] = opts.Title
	}
	log.WithFields(fields).Info("applied patch")
}
