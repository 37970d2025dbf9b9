package bytebuf

import (
	"bytes"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Wildcard marks a Pattern position that matches any byte and is never
// written.
const Wildcard int16 = -1

// Pattern is a byte sequence in which some positions may be Wildcard.
type Pattern []int16

// ParsePattern parses space separated hex bytes, with "??" for a wildcard.
func ParsePattern(s string) (Pattern, error) {
	fields := strings.Fields(s)
	p := make(Pattern, 0, len(fields))
	for _, f := range fields {
		if f == "??" || f == "?" {
			p = append(p, Wildcard)
			continue
		}
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "bytebuf: pattern byte %q", f)
		}
		p = append(p, int16(v))
	}
	return p, nil
}

// MustPattern is ParsePattern for static tables.
func MustPattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Exact builds a Pattern without wildcards.
func Exact(b []byte) Pattern {
	p := make(Pattern, len(b))
	for i, v := range b {
		p[i] = int16(v)
	}
	return p
}

func (p Pattern) String() string {
	parts := make([]string, len(p))
	for i, v := range p {
		if v == Wildcard {
			parts[i] = "??"
		} else {
			parts[i] = fmt.Sprintf("%02X", v)
		}
	}
	return strings.Join(parts, " ")
}

// Concrete reports the number of non-wildcard positions.
func (p Pattern) Concrete() int {
	n := 0
	for _, v := range p {
		if v != Wildcard {
			n++
		}
	}
	return n
}

// MatchAt reports whether p matches data at off.
func (p Pattern) MatchAt(data []byte, off int) bool {
	if off < 0 || len(p) > len(data)-off {
		return false
	}
	for i, v := range p {
		if v != Wildcard && data[off+i] != byte(v) {
			return false
		}
	}
	return true
}

// FindExact yields every offset at or after from where needle occurs, in
// ascending order. Searching resumes one byte past each match.
func FindExact(haystack, needle []byte, from int) iter.Seq[int] {
	return func(yield func(int) bool) {
		at := max(from, 0)
		for at <= len(haystack) {
			i := bytes.Index(haystack[at:], needle)
			if i < 0 {
				return
			}
			if !yield(at + i) {
				return
			}
			at += i + 1
		}
	}
}

// FindFuzzy yields every offset in [from, until) where p matches. A negative
// until means the end of haystack. With backward set the offsets are yielded
// in descending order starting just below until.
func FindFuzzy(haystack []byte, p Pattern, from, until int, backward bool) iter.Seq[int] {
	return func(yield func(int) bool) {
		if len(p) == 0 {
			return
		}
		first := max(from, 0)
		last := len(haystack) - len(p)
		if until >= 0 && until-1 < last {
			last = until - 1
		}
		if backward {
			for i := last; i >= first; i-- {
				if p.MatchAt(haystack, i) && !yield(i) {
					return
				}
			}
			return
		}
		for i := first; i <= last; i++ {
			if p.MatchAt(haystack, i) && !yield(i) {
				return
			}
		}
	}
}

// Collect gathers a search into a slice.
func Collect(seq iter.Seq[int]) []int {
	var out []int
	for i := range seq {
		out = append(out, i)
	}
	return out
}

// WriteFuzzy writes the concrete bytes of p at off, leaving wildcard
// positions untouched.
func WriteFuzzy(data []byte, off int, p Pattern) error {
	if err := check(len(data), off, len(p)); err != nil {
		return err
	}
	for i, v := range p {
		if v != Wildcard {
			data[off+i] = byte(v)
		}
	}
	return nil
}
