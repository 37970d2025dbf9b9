// Package patch finds and rewrites known machine-code sequences in binary
// images.
//
// A patch is described as a list of candidates. Each candidate covers one
// known binary revision and is made of groups; a group is a fuzzy find
// pattern, the number of times it must occur, and a parallel replacement
// pattern. Exactly one candidate may match a given binary.
package patch

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/shockpkg/projector/bytebuf"
)

var (
	ErrNoCandidates       = errors.New("no patch candidates")
	ErrMultipleCandidates = errors.New("multiple patch candidates")
)

// CandidateError names the patch whose candidate search failed.
type CandidateError struct {
	Label string
	Err   error
}

func (e *CandidateError) Error() string { return e.Err.Error() + " for: " + e.Label }

func (e *CandidateError) Unwrap() error { return e.Err }

// Group is a find/replace pair that must match exactly Count times.
type Group struct {
	Count   int
	Find    bytebuf.Pattern
	Replace bytebuf.Pattern
}

// Candidate is a set of groups that must all match for one binary revision.
type Candidate []Group

// NewGroup builds a group from pattern strings.
func NewGroup(count int, find, replace string) Group {
	return Group{
		Count:   count,
		Find:    bytebuf.MustPattern(find),
		Replace: bytebuf.MustPattern(replace),
	}
}

// Validate reports malformed groups in static tables.
func (c Candidate) Validate() error {
	if len(c) == 0 {
		return errors.New("patch: empty candidate")
	}
	for i, g := range c {
		if g.Count < 1 {
			return errors.Errorf("patch: group %d: count %d", i, g.Count)
		}
		if g.Find.Concrete() == 0 {
			return errors.Errorf("patch: group %d: find pattern is all wildcards", i)
		}
		if len(g.Find) != len(g.Replace) {
			return errors.Errorf("patch: group %d: find is %d bytes, replace is %d", i, len(g.Find), len(g.Replace))
		}
	}
	return nil
}

// GroupOffsets returns the match offsets of every group, or false if any
// group does not match exactly its expected number of times.
func GroupOffsets(data []byte, groups []Group) ([][]int, bool) {
	out := make([][]int, len(groups))
	for i, g := range groups {
		var offsets []int
		for off := range bytebuf.FindFuzzy(data, g.Find, 0, -1, false) {
			offsets = append(offsets, off)
			if len(offsets) > g.Count {
				break
			}
		}
		if len(offsets) != g.Count {
			return nil, false
		}
		out[i] = offsets
	}
	return out, true
}

// Match returns the index and offsets of the single candidate that matches
// data without writing anything.
func Match(data []byte, candidates []Candidate, label string) (int, [][]int, error) {
	found := -1
	var offsets [][]int
	for i, c := range candidates {
		o, ok := GroupOffsets(data, c)
		if !ok {
			continue
		}
		if found >= 0 {
			return -1, nil, &CandidateError{Label: label, Err: ErrMultipleCandidates}
		}
		found, offsets = i, o
	}
	if found < 0 {
		return -1, nil, &CandidateError{Label: label, Err: ErrNoCandidates}
	}
	return found, offsets, nil
}

// Once applies the single matching candidate. Nothing is written unless
// exactly one candidate matches.
func Once(data []byte, candidates []Candidate, label string) error {
	index, offsets, err := Match(data, candidates, label)
	if err != nil {
		return err
	}
	for i, g := range candidates[index] {
		for _, off := range offsets[i] {
			if err := bytebuf.WriteFuzzy(data, off, g.Replace); err != nil {
				return errors.Wrapf(err, "patch %s", label)
			}
		}
	}
	log.WithFields(log.Fields{
		"patch":     label,
		"candidate": index,
	}).Debug("applied patch")
	return nil
}
