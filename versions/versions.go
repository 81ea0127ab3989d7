// Package versions selects published module versions from version-control
// tags.
//
// A repository that hosts several modules publishes a release by tagging a
// commit as <module-id>/v<major>.<minor>.<patch>. This package scans a
// repository's tags for such release tags, orders them by semantic version
// precedence, and resolves a caller-supplied version constraint to a single
// release. It holds no state and performs no I/O; callers supply the tag set.
package versions

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	version "github.com/hashicorp/go-version"
)

// Tag is a single tag as recorded in a version-control repository.
type Tag struct {
	// Name is the raw tag text, without any "refs/tags/" prefix.
	Name string

	// Commit identifies the commit the tag points at. Annotated tags must
	// be peeled to their target commit before being passed here.
	Commit string
}

// ModuleVersion is a tag that names a published version of a module.
type ModuleVersion struct {
	Module  string
	Version *version.Version
	Tag     Tag
}

func (mv *ModuleVersion) String() string {
	if mv == nil {
		return ""
	}
	return mv.Version.String()
}

// Release tags carry exactly three dot-separated numeric segments after the
// "v", optionally followed by SemVer prerelease and build suffixes. Anything
// looser (two segments, extra segments, stray characters) is not a release
// tag.
var tagVersionPattern = regexp.MustCompile(`^v(\d+)\.(\d+)\.(\d+)(?:-[0-9A-Za-z][0-9A-Za-z.-]*)?(?:\+[0-9A-Za-z][0-9A-Za-z.-]*)?$`)

// ParseTag interprets tag as a release tag for the module identified by
// moduleID. The tag text must be exactly the module identifier, a slash, and
// a "v"-prefixed semantic version; the match is case-sensitive.
//
// The second return value is false for any tag that does not match. A
// repository's tag list routinely contains tags for other modules and tags
// that are not releases at all, so a non-match is not an error.
func ParseTag(tag Tag, moduleID string) (*ModuleVersion, bool) {
	if moduleID == "" {
		return nil, false
	}

	rest, ok := strings.CutPrefix(tag.Name, moduleID+"/")
	if !ok {
		return nil, false
	}
	if !tagVersionPattern.MatchString(rest) {
		return nil, false
	}

	v, err := version.NewSemver(rest)
	if err != nil {
		return nil, false
	}

	return &ModuleVersion{
		Module:  moduleID,
		Version: v,
		Tag:     tag,
	}, true
}

// List returns the versions of the given module published in tags, sorted
// ascending by semantic version precedence. Tags that are not release tags
// for the module are skipped.
//
// Two tags naming the same version should not happen, but a release tag that
// was deleted and re-pushed to a different commit must still resolve
// deterministically: the tag with the lexically greatest commit id wins.
func List(tags []Tag, moduleID string) []*ModuleVersion {
	byVersion := make(map[string]*ModuleVersion)
	for _, tag := range tags {
		mv, ok := ParseTag(tag, moduleID)
		if !ok {
			continue
		}
		// Build metadata carries no precedence, so two tags differing only
		// in metadata are the same version and go through the tie-break.
		key := mv.Version.Core().String()
		if pre := mv.Version.Prerelease(); pre != "" {
			key += "-" + pre
		}
		if existing, exists := byVersion[key]; exists && mv.Tag.Commit <= existing.Tag.Commit {
			continue
		}
		byVersion[key] = mv
	}

	ret := make([]*ModuleVersion, 0, len(byVersion))
	for _, mv := range byVersion {
		ret = append(ret, mv)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Version.LessThan(ret[j].Version)
	})
	return ret
}

// ErrInvalidConstraint indicates that a constraint string could not be
// parsed at all. It is distinct from a constraint that parses but matches
// no published version, which Resolve reports by returning nil.
var ErrInvalidConstraint = errors.New("invalid version constraint")

// Constraint is a parsed version constraint: an exact version ("1.1.0"), a
// pessimistic constraint ("~> 1.1.0", allowing patch-level drift only), or a
// comma-separated conjunction of comparisons (">= 1.1.0, < 2.0.0").
type Constraint struct {
	raw string
	cs  version.Constraints
}

// ParseConstraint parses a constraint string. Errors wrap
// ErrInvalidConstraint so callers can distinguish a malformed constraint
// from an unresolvable one.
func ParseConstraint(s string) (Constraint, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Constraint{}, fmt.Errorf("%w: empty constraint", ErrInvalidConstraint)
	}

	cs, err := version.NewConstraint(trimmed)
	if err != nil {
		return Constraint{}, fmt.Errorf("%w: %s", ErrInvalidConstraint, err)
	}

	return Constraint{raw: trimmed, cs: cs}, nil
}

func (c Constraint) String() string {
	return c.raw
}

// Check reports whether v satisfies the constraint. Prerelease versions
// satisfy only constraints that themselves name a prerelease of the same
// release, so "~> 1.1.0" never selects "1.2.0-rc.1".
func (c Constraint) Check(v *version.Version) bool {
	return c.cs.Check(v)
}

// Resolve returns the highest of candidates that satisfies the constraint,
// or nil when none does. The caller is expected to present nil as "no
// version found" rather than as a failure.
//
// The result does not depend on the order of candidates.
func Resolve(candidates []*ModuleVersion, c Constraint) *ModuleVersion {
	var best *ModuleVersion
	for _, mv := range candidates {
		if !c.Check(mv.Version) {
			continue
		}
		if best == nil || best.Version.LessThan(mv.Version) {
			best = mv
		}
	}
	return best
}
