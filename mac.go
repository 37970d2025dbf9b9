package projector

import (
	"debug/macho"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/shockpkg/projector/internal/catalog"
	"github.com/shockpkg/projector/machoimg"
)

// macPlayer patches every slice of a thin or universal player binary.
// Slices without a title matcher for their CPU keep the default title.
func macPlayer(player []byte, opts Options) ([]byte, error) {
	if opts.RemoveMenu || opts.PathFix || opts.OffsetFix || opts.DisableOutOfDate || len(opts.VersionStrings) > 0 || len(opts.Icon) > 0 {
		return nil, errors.Wrap(ErrUnsupported, "only title and signature patches apply to Mac players")
	}
	slices, err := machoimg.Slices(player)
	if err != nil {
		return nil, err
	}
	titled := 0
	for i := range slices {
		s := &slices[i]
		cpu := s.CPU
		if err := machoimg.Validate(s.Data, cpu); err != nil {
			return nil, errors.Wrapf(err, "slice %s", s.Arch)
		}
		img, err := machoimg.Decode(s.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "slice %s", s.Arch)
		}
		ctx := log.WithFields(log.Fields{"target": "mac", "arch": s.Arch.String()})

		if opts.RemoveSignature {
			switch err := img.Unsign(); {
			case errors.Is(err, machoimg.ErrNotSigned):
				ctx.Debug("not signed")
			case err != nil:
				return nil, errors.Wrapf(err, "slice %s", s.Arch)
			default:
				applied("mac", "remove signature", opts)
			}
		}
		if opts.Title != "" {
			if !hasMacMatcher(cpu) {
				ctx.Warn("no title matcher for architecture, keeping default title")
			} else {
				addr, err := img.InsertTitleSegment(opts.Title)
				if err != nil {
					return nil, errors.Wrapf(err, "slice %s", s.Arch)
				}
				if err := img.PatchTitleReference(addr, catalog.MacTitleMatchers, catalog.KnownTitle); err != nil {
					return nil, errors.Wrapf(err, "slice %s", s.Arch)
				}
				titled++
			}
		}
		if s.Data, err = img.Encode(); err != nil {
			return nil, errors.Wrapf(err, "slice %s", s.Arch)
		}
	}
	if opts.Title != "" {
		if titled == 0 {
			return nil, errors.Wrap(machoimg.ErrNoPatcher, "no slice has a title matcher")
		}
		applied("mac", "title", opts)
	}
	if machoimg.IsFat(player) {
		return machoimg.AssembleFat(slices)
	}
	return slices[0].Data, nil
}

func hasMacMatcher(cpu macho.Cpu) bool {
	for _, m := range catalog.MacTitleMatchers {
		if m.CPU == cpu {
			return true
		}
	}
	return false
}
