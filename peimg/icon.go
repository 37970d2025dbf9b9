package peimg

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/shockpkg/projector/bytebuf"
)

const (
	RTIcon      = 3
	RTGroupIcon = 14

	iconType       = 1
	iconDirSize    = 6
	groupEntrySize = 14
)

// iconDir heads both .ico files and RT_GROUP_ICON resources.
type iconDir struct {
	Reserved uint16 `struc:"uint16,little"`
	Type     uint16 `struc:"uint16,little"`
	Count    uint16 `struc:"uint16,little"`
}

type fileIconEntry struct {
	Width       uint8  `struc:"uint8"`
	Height      uint8  `struc:"uint8"`
	ColorCount  uint8  `struc:"uint8"`
	Reserved    uint8  `struc:"uint8"`
	Planes      uint16 `struc:"uint16,little"`
	BitCount    uint16 `struc:"uint16,little"`
	BytesInRes  uint32 `struc:"uint32,little"`
	ImageOffset uint32 `struc:"uint32,little"`
}

type groupIconEntry struct {
	Width      uint8  `struc:"uint8"`
	Height     uint8  `struc:"uint8"`
	ColorCount uint8  `struc:"uint8"`
	Reserved   uint8  `struc:"uint8"`
	Planes     uint16 `struc:"uint16,little"`
	BitCount   uint16 `struc:"uint16,little"`
	BytesInRes uint32 `struc:"uint32,little"`
	ID         uint16 `struc:"uint16,little"`
}

// IconImage is one image of an icon file. Width and Height are stored as
// in the directory, where 0 means 256.
type IconImage struct {
	Width, Height uint8
	ColorCount    uint8
	Planes        uint16
	BitCount      uint16
	Data          []byte
}

// ParseIcon decodes the directory of an .ico file. Image data aliases ico.
func ParseIcon(ico []byte) ([]IconImage, error) {
	r := bytes.NewReader(ico)
	var dir iconDir
	if err := struc.Unpack(r, &dir); err != nil {
		return nil, errors.Wrap(err, "peimg: icon header")
	}
	if dir.Reserved != 0 || dir.Type != iconType || dir.Count == 0 {
		return nil, errors.New("peimg: not an icon file")
	}
	out := make([]IconImage, dir.Count)
	for i := range out {
		var e fileIconEntry
		if err := struc.Unpack(r, &e); err != nil {
			return nil, errors.Wrapf(err, "peimg: icon entry %d", i)
		}
		data, err := bytebuf.Slice(ico, int(e.ImageOffset), int(e.BytesInRes))
		if err != nil {
			return nil, errors.Wrapf(err, "peimg: icon image %d", i)
		}
		out[i] = IconImage{
			Width:      e.Width,
			Height:     e.Height,
			ColorCount: e.ColorCount,
			Planes:     e.Planes,
			BitCount:   e.BitCount,
			Data:       data,
		}
	}
	return out, nil
}

func readGroup(data []byte) ([]groupIconEntry, error) {
	r := bytes.NewReader(data)
	var dir iconDir
	if err := struc.Unpack(r, &dir); err != nil {
		return nil, errors.Wrap(err, "peimg: icon group header")
	}
	if dir.Type != iconType {
		return nil, errors.Errorf("peimg: icon group has type %d", dir.Type)
	}
	out := make([]groupIconEntry, dir.Count)
	for i := range out {
		if err := struc.Unpack(r, &out[i]); err != nil {
			return nil, errors.Wrapf(err, "peimg: icon group entry %d", i)
		}
	}
	return out, nil
}

// SetIcon replaces the images of every RT_GROUP_ICON resource with those
// of the .ico file. Images are written in place over the RT_ICON leaves
// the group already references, in directory order, so the file may not
// have more images than a group and each image must fit the leaf it
// replaces. Otherwise ErrTooLong is returned and nothing is written.
func (img *Image) SetIcon(ico []byte) error {
	images, err := ParseIcon(ico)
	if err != nil {
		return err
	}
	groups, err := img.Resources(RTGroupIcon)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return errors.New("peimg: no icon group resource")
	}
	icons, err := img.Resources(RTIcon)
	if err != nil {
		return err
	}
	byID := map[uint32][]Resource{}
	for _, r := range icons {
		byID[r.Name] = append(byID[r.Name], r)
	}

	type leafEdit struct {
		leaf Resource
		data []byte
	}
	type groupEdit struct {
		group Resource
		dir   []byte
	}
	var leaves []leafEdit
	var dirs []groupEdit
	for _, g := range groups {
		data, err := g.Bytes(img)
		if err != nil {
			return err
		}
		entries, err := readGroup(data)
		if err != nil {
			return errors.Wrapf(err, "peimg: icon group %d", g.Name)
		}
		if len(images) > len(entries) {
			return errors.Wrapf(ErrTooLong, "peimg: icon has %d images, group %d holds %d", len(images), g.Name, len(entries))
		}
		var dir bytes.Buffer
		if err := struc.Pack(&dir, &iconDir{Type: iconType, Count: uint16(len(images))}); err != nil {
			return err
		}
		for i, im := range images {
			id := entries[i].ID
			targets := byID[uint32(id)]
			if len(targets) == 0 {
				return errors.Errorf("peimg: icon group %d references missing icon %d", g.Name, id)
			}
			for _, t := range targets {
				if len(im.Data) > int(t.Size) {
					return errors.Wrapf(ErrTooLong, "peimg: icon image %d needs %d bytes, icon %d has %d", i, len(im.Data), id, t.Size)
				}
				leaves = append(leaves, leafEdit{leaf: t, data: im.Data})
			}
			entry := groupIconEntry{
				Width:      im.Width,
				Height:     im.Height,
				ColorCount: im.ColorCount,
				Planes:     im.Planes,
				BitCount:   im.BitCount,
				BytesInRes: uint32(len(im.Data)),
				ID:         id,
			}
			if err := struc.Pack(&dir, &entry); err != nil {
				return err
			}
		}
		dirs = append(dirs, groupEdit{group: g, dir: dir.Bytes()})
	}

	b := img.buf()
	for _, e := range leaves {
		slot, err := e.leaf.Bytes(img)
		if err != nil {
			return err
		}
		clear(slot)
		copy(slot, e.data)
		if err := b.PutUint32(e.leaf.entry+4, uint32(len(e.data))); err != nil {
			return err
		}
	}
	for _, e := range dirs {
		slot, err := e.group.Bytes(img)
		if err != nil {
			return err
		}
		clear(slot)
		copy(slot, e.dir)
		if err := b.PutUint32(e.group.entry+4, uint32(len(e.dir))); err != nil {
			return err
		}
	}
	return nil
}
