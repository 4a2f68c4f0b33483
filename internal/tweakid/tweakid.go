// Package tweakid parses and compares structured tweak identifiers.
//
// The canonical form is category.name@version, for example
// "network.disable_nagle@1.2". Bare numeric identifiers from older
// definition sets are accepted and mapped to the "legacy" category.
package tweakid

import (
	"cmp"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// LegacyCategory is assigned to bare numeric identifiers.
const LegacyCategory = "legacy"

// unversioned marks identifiers that carried no @version suffix.
const unversioned = "0"

var (
	canonicalPattern   = regexp.MustCompile(`^([a-z_]+(?:\.[a-z_]+)*)\.([a-z0-9_]+)@(\d+(?:\.\d+)*)$`)
	unversionedPattern = regexp.MustCompile(`^([a-z_]+(?:\.[a-z_]+)*)\.([a-z0-9_]+)$`)
	legacyPattern      = regexp.MustCompile(`^\d+$`)
)

// ErrInvalid is returned for identifiers that match none of the accepted forms.
var ErrInvalid = errors.New("tweakid: invalid identifier")

// ID is a parsed tweak identifier.
type ID struct {
	Raw      string
	Category string
	Name     string
	Version  string
}

// Parse parses s into an ID.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if m := canonicalPattern.FindStringSubmatch(s); m != nil {
		return ID{Raw: s, Category: m[1], Name: m[2], Version: m[3]}, nil
	}
	if m := unversionedPattern.FindStringSubmatch(s); m != nil {
		return ID{Raw: s, Category: m[1], Name: m[2], Version: unversioned}, nil
	}
	if legacyPattern.MatchString(s) {
		return ID{Raw: s, Category: LegacyCategory, Name: s, Version: unversioned}, nil
	}
	return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the identifier as written.
func (id ID) String() string {
	return id.Raw
}

// Base returns category.name without the version.
func (id ID) Base() string {
	return id.Category + "." + id.Name
}

// Unversioned reports whether the identifier was written without @version.
func (id ID) Unversioned() bool {
	return !strings.Contains(id.Raw, "@")
}

// Equal compares identifiers by their full string form.
func (id ID) Equal(other ID) bool {
	return id.Raw == other.Raw
}

// SameBase reports whether both identifiers name the same tweak regardless of version.
func (id ID) SameBase(other ID) bool {
	return id.Category == other.Category && id.Name == other.Name
}

// Matches reports whether ref refers to id. An unversioned ref matches any
// version of the same base; a versioned ref must match exactly.
func (id ID) Matches(ref ID) bool {
	if ref.Unversioned() {
		return id.SameBase(ref)
	}
	return id.Equal(ref)
}

// CompareVersion orders versions numerically segment by segment. Missing
// segments count as zero, so 1.2 and 1.2.0 compare equal, as do 1.2.3 and
// 1.2.3.0.
func (id ID) CompareVersion(other ID) int {
	a, b := strings.Split(id.Version, "."), strings.Split(other.Version, ".")
	if c := compareRelease(a, b); c != 0 {
		return c
	}
	for i := 3; i < max(len(a), len(b)); i++ {
		if c := compareSegment(segment(a, i), segment(b, i)); c != 0 {
			return c
		}
	}
	return 0
}

// compareRelease compares the major.minor.patch prefix of two versions.
func compareRelease(a, b []string) int {
	va, errA := semver.NewVersion(strings.Join(a[:min(len(a), 3)], "."))
	vb, errB := semver.NewVersion(strings.Join(b[:min(len(b), 3)], "."))
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	// Segments too large for semver still compare as decimal numbers.
	for i := range 3 {
		if c := compareSegment(segment(a, i), segment(b, i)); c != 0 {
			return c
		}
	}
	return 0
}

func segment(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return "0"
}

// compareSegment compares two decimal digit strings of any length.
func compareSegment(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}
