package machoimg

import (
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// Unsign removes the LC_CODE_SIGNATURE command and the signature blob at
// the end of __LINKEDIT, truncating the file. An image without a signature
// returns ErrNotSigned and is left unchanged.
func (img *Image) Unsign() error {
	sig := img.Command(types.LC_CODE_SIGNATURE)
	if sig == nil {
		return ErrNotSigned
	}
	if len(sig.Data) < 16 {
		return errors.Errorf("machoimg: code signature command has size %d", len(sig.Data))
	}
	start := uint64(img.Order.Uint32(sig.Data[8:]))
	end := start + uint64(img.Order.Uint32(sig.Data[12:]))

	linkedit, err := img.Segment("__LINKEDIT")
	if err != nil {
		return err
	}
	if linkedit == nil {
		return errors.New("machoimg: no __LINKEDIT segment")
	}
	linkeditEnd := linkedit.FileOff + linkedit.FileSize
	if end > linkeditEnd || end+16 < linkeditEnd || start < linkedit.FileOff {
		return errors.New("machoimg: old signature is not coterminous with __LINKEDIT segment")
	}
	if start > uint64(len(img.Data)) {
		return errors.Errorf("machoimg: signature offset 0x%x past end of file", start)
	}

	linkedit.FileSize = start - linkedit.FileOff
	if err := linkedit.Store(img); err != nil {
		return err
	}
	img.removeCommand(sig)
	img.Data = img.Data[:start]
	return nil
}
