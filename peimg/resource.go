package peimg

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/shockpkg/projector/bytebuf"
)

const (
	RTString  = 6
	RTVersion = 16

	stringsPerBlock = 16
	subdirFlag      = 0x80000000
)

// Resource is one leaf of the resource tree.
type Resource struct {
	Type, Name, Lang uint32
	RVA, Size        uint32
	// Offset is the file offset of the resource data.
	Offset int
	entry  int // file offset of the data entry
}

// Bytes returns the resource data. The slice aliases img.Data.
func (r Resource) Bytes(img *Image) ([]byte, error) {
	return bytebuf.Slice(img.Data, r.Offset, int(r.Size))
}

// Resources returns the resources of type typ in directory order. Only
// entries identified by integer IDs are returned.
func (img *Image) Resources(typ uint32) ([]Resource, error) {
	rva, size := img.Directory(dirResource)
	if rva == 0 || size == 0 {
		return nil, nil
	}
	base, ok := img.Offset(rva)
	if !ok {
		return nil, errors.Errorf("peimg: resource directory RVA 0x%x outside sections", rva)
	}
	b := img.buf()

	var out []Resource
	var walk func(dir, depth int, ids [3]uint32) error
	walk = func(dir, depth int, ids [3]uint32) error {
		c := b.Cursor(base + dir + 12)
		n := int(c.U16())
		n += int(c.U16())
		for i := 0; i < n; i++ {
			id := c.U32()
			target := c.U32()
			if err := c.Err(); err != nil {
				return errors.Wrapf(err, "peimg: resource directory at 0x%x", dir)
			}
			if id&subdirFlag != 0 || (depth == 0 && id != typ) {
				continue
			}
			ids[depth] = id
			if target&subdirFlag != 0 {
				if depth == 2 {
					return errors.Errorf("peimg: resource tree deeper than three levels at 0x%x", dir)
				}
				if err := walk(int(target&^subdirFlag), depth+1, ids); err != nil {
					return err
				}
				continue
			}
			if depth != 2 {
				return errors.Errorf("peimg: resource leaf at level %d", depth)
			}
			entry := base + int(target)
			d := b.Cursor(entry)
			r := Resource{Type: ids[0], Name: ids[1], Lang: ids[2], RVA: d.U32(), Size: d.U32(), entry: entry}
			if err := d.Err(); err != nil {
				return errors.Wrap(err, "peimg: resource data entry")
			}
			if r.Offset, ok = img.Offset(r.RVA); !ok {
				return errors.Errorf("peimg: resource data RVA 0x%x outside sections", r.RVA)
			}
			if err := b.Check(r.Offset, int(r.Size)); err != nil {
				return errors.Wrapf(err, "peimg: resource %d/%d/%d", r.Type, r.Name, r.Lang)
			}
			out = append(out, r)
		}
		return nil
	}
	if err := walk(0, 0, [3]uint32{}); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseStringBlock decodes the sixteen length-prefixed UTF-16 strings of
// an RT_STRING block.
func ParseStringBlock(data []byte) ([]string, error) {
	c := bytebuf.NewCursor(data, binary.LittleEndian, 0)
	out := make([]string, stringsPerBlock)
	for i := range out {
		n := int(c.U16())
		out[i] = decodeUTF16(c.Bytes(2 * n))
	}
	if err := c.Err(); err != nil {
		return nil, errors.Wrap(err, "peimg: string block")
	}
	return out, nil
}

// EncodeStringBlock is the inverse of ParseStringBlock.
func EncodeStringBlock(strs []string) []byte {
	var out []byte
	for i := 0; i < stringsPerBlock; i++ {
		var s []byte
		if i < len(strs) {
			s = encodeUTF16(strs[i])
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(len(s)/2))
		out = append(out, s...)
	}
	return out
}

// versionNode is one VS_VERSIONINFO style node: wLength, wValueLength,
// wType, a NUL-terminated UTF-16 key, then a 32-bit aligned value and
// children.
type versionNode struct {
	start, end int // node bounds within the resource
	valueLen   int // wValueLength as stored
	text       bool
	key        string
	value      int // offset of the value
	children   int // offset of the first child
}

func parseVersionNode(data []byte, at int) (versionNode, error) {
	c := bytebuf.NewCursor(data, binary.LittleEndian, at)
	n := versionNode{start: at}
	length := int(c.U16())
	n.valueLen = int(c.U16())
	n.text = c.U16() == 1
	if err := c.Err(); err != nil {
		return n, errors.Wrap(err, "peimg: version node")
	}
	n.end = at + length
	if length < 6 || n.end > len(data) {
		return n, errors.Wrapf(bytebuf.ErrOutOfBounds, "peimg: version node at 0x%x has length %d", at, length)
	}
	key := at + 6
	i := key
	for ; i+1 < n.end; i += 2 {
		if data[i] == 0 && data[i+1] == 0 {
			break
		}
	}
	if i+1 >= n.end {
		return n, errors.Errorf("peimg: version node at 0x%x has unterminated key", at)
	}
	n.key = decodeUTF16(data[key:i])
	n.value = int(bytebuf.AlignUp(uint64(i+2), 4))
	size := n.valueLen
	if n.text {
		size *= 2
	}
	n.children = int(bytebuf.AlignUp(uint64(n.value+size), 4))
	if n.value+size > n.end {
		return n, errors.Errorf("peimg: version node %q value overruns node", n.key)
	}
	return n, nil
}

func versionChildren(data []byte, parent versionNode) ([]versionNode, error) {
	var out []versionNode
	for at := parent.children; at+6 <= parent.end; {
		n, err := parseVersionNode(data, at)
		if err != nil {
			return nil, err
		}
		if n.end > parent.end {
			return nil, errors.Errorf("peimg: version node %q overruns %q", n.key, parent.key)
		}
		out = append(out, n)
		at = int(bytebuf.AlignUp(uint64(n.end), 4))
	}
	return out, nil
}

// SetVersionStrings rewrites StringFileInfo values of every RT_VERSION
// resource in place. A value may grow only into the padding its slot
// already has; otherwise ErrTooLong is returned and nothing is written.
// Every key in values must exist.
func (img *Image) SetVersionStrings(values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	res, err := img.Resources(RTVersion)
	if err != nil {
		return err
	}
	type edit struct {
		data []byte
		node versionNode
		text []byte
	}
	var edits []edit
	seen := map[string]bool{}
	for _, r := range res {
		data, err := r.Bytes(img)
		if err != nil {
			return err
		}
		root, err := parseVersionNode(data, 0)
		if err != nil {
			return err
		}
		infos, err := versionChildren(data, root)
		if err != nil {
			return err
		}
		for _, info := range infos {
			if info.key != "StringFileInfo" {
				continue
			}
			tables, err := versionChildren(data, info)
			if err != nil {
				return err
			}
			for _, table := range tables {
				strs, err := versionChildren(data, table)
				if err != nil {
					return err
				}
				for _, s := range strs {
					v, ok := values[s.key]
					if !ok {
						continue
					}
					text := append(encodeUTF16(v), 0, 0)
					if s.value+len(text) > s.end {
						return errors.Wrapf(ErrTooLong, "peimg: version string %q needs %d bytes, has %d", s.key, len(text), s.end-s.value)
					}
					edits = append(edits, edit{data: data, node: s, text: text})
					seen[s.key] = true
				}
			}
		}
	}
	for k := range values {
		if !seen[k] {
			return errors.Errorf("peimg: no version string %q", k)
		}
	}
	for _, e := range edits {
		clear(e.data[e.node.value:e.node.end])
		copy(e.data[e.node.value:], e.text)
		binary.LittleEndian.PutUint16(e.data[e.node.start+2:], uint16(len(e.text)/2))
		binary.LittleEndian.PutUint16(e.data[e.node.start+4:], 1)
	}
	return nil
}

// VersionStrings returns the StringFileInfo values of the first RT_VERSION
// resource.
func (img *Image) VersionStrings() (map[string]string, error) {
	res, err := img.Resources(RTVersion)
	if err != nil || len(res) == 0 {
		return nil, err
	}
	data, err := res[0].Bytes(img)
	if err != nil {
		return nil, err
	}
	root, err := parseVersionNode(data, 0)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	infos, err := versionChildren(data, root)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.key != "StringFileInfo" {
			continue
		}
		tables, err := versionChildren(data, info)
		if err != nil {
			return nil, err
		}
		for _, table := range tables {
			strs, err := versionChildren(data, table)
			if err != nil {
				return nil, err
			}
			for _, s := range strs {
				v := data[s.value:min(s.value+2*s.valueLen, s.end)]
				out[s.key] = decodeUTF16(trimNUL(v))
			}
		}
	}
	return out, nil
}

func trimNUL(b []byte) []byte {
	for len(b) >= 2 && b[len(b)-1] == 0 && b[len(b)-2] == 0 {
		b = b[:len(b)-2]
	}
	return b
}
