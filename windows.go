package projector

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/shockpkg/projector/internal/catalog"
	"github.com/shockpkg/projector/patch"
	"github.com/shockpkg/projector/peimg"
)

type windowsArch struct {
	name      string
	machine   uint16
	outOfDate []patch.Candidate
}

func windowsPlayer(arch windowsArch) func([]byte, Options) ([]byte, error) {
	return func(player []byte, opts Options) ([]byte, error) {
		if err := peimg.Validate(player, arch.machine); err != nil {
			return nil, err
		}
		if opts.RemoveMenu || opts.PathFix || opts.OffsetFix {
			return nil, errors.Wrap(ErrUnsupported, "menu, path and offset patches are Linux only")
		}
		img, err := peimg.Decode(player)
		if err != nil {
			return nil, err
		}
		if opts.RemoveSignature {
			signed, err := img.StripSignature()
			if err != nil {
				return nil, err
			}
			if signed {
				applied(arch.name, "remove signature", opts)
			} else {
				log.WithField("target", arch.name).Debug("not signed")
			}
		}
		if opts.Title != "" {
			if err := img.SetTitle(opts.Title, catalog.WindowsTitle); err != nil {
				return nil, err
			}
			applied(arch.name, "title", opts)
		}
		if len(opts.VersionStrings) > 0 {
			if err := img.SetVersionStrings(opts.VersionStrings); err != nil {
				return nil, err
			}
			applied(arch.name, "version strings", opts)
		}
		if len(opts.Icon) > 0 {
			if err := img.SetIcon(opts.Icon); err != nil {
				return nil, err
			}
			applied(arch.name, "icon", opts)
		}
		if opts.DisableOutOfDate {
			if err := img.DisableOutOfDate(arch.outOfDate); err != nil {
				return nil, err
			}
			applied(arch.name, "out-of-date check", opts)
		}
		return img.Data, nil
	}
}
