// Package sfid validates entity identifiers and infers entity kinds.
//
// An sfid is a globally unique, never-reused, lowercase identifier that is
// also the entity's storage path under entities/. The prefix before the
// first underscore selects the kind from a closed registry; kind inference
// happens once here, at the store boundary, never ad hoc downstream.
package sfid

import (
	"regexp"
	"strings"

	"github.com/smallfactory/sf/internal/sferr"
)

// Pattern is the authoritative sfid shape, minus the length bound which is
// checked separately (RE2 has no lookahead).
const Pattern = `^[a-z]+_[a-z0-9_-]*[a-z0-9]$`

const (
	minLen = 3
	maxLen = 64
)

var re = regexp.MustCompile(Pattern)

// Kind is the closed set of entity kinds derived from sfid prefixes.
type Kind string

const (
	KindPart     Kind = "part"
	KindLocation Kind = "location"
	KindBuild    Kind = "build"
)

// prefixKinds maps registered sfid prefixes to kinds.
var prefixKinds = map[string]Kind{
	"p": KindPart,
	"l": KindLocation,
	"b": KindBuild,
}

// Validate checks that an sfid conforms to the naming pattern, has a
// registered prefix, and is safe to use as a directory name.
func Validate(id string) error {
	if id == "" {
		return sferr.New(sferr.CodeInvalidIdentifier, "sfid is required")
	}
	if len(id) < minLen || len(id) > maxLen {
		return sferr.New(sferr.CodeInvalidIdentifier,
			"sfid must be %d-%d characters", minLen, maxLen).WithEntity(id)
	}
	if !re.MatchString(id) {
		return sferr.New(sferr.CodeInvalidIdentifier,
			"sfid must match %s and be lowercase", Pattern).WithEntity(id)
	}
	if _, ok := prefixKinds[prefixOf(id)]; !ok {
		return sferr.New(sferr.CodeInvalidIdentifier,
			"unregistered sfid prefix %q", prefixOf(id)).WithEntity(id)
	}
	return nil
}

// KindOf returns the kind inferred from a valid sfid's prefix.
func KindOf(id string) (Kind, error) {
	if err := Validate(id); err != nil {
		return "", err
	}
	return prefixKinds[prefixOf(id)], nil
}

// MustKind returns the kind for an sfid that has already been validated.
// It panics on an unregistered prefix, which indicates a caller bug.
func MustKind(id string) Kind {
	k, ok := prefixKinds[prefixOf(id)]
	if !ok {
		panic("sfid: MustKind on unvalidated sfid " + id)
	}
	return k
}

// IsLocation reports whether a valid sfid names a location entity.
func IsLocation(id string) bool {
	return prefixKinds[prefixOf(id)] == KindLocation
}

// IsPart reports whether a valid sfid names a part entity.
func IsPart(id string) bool {
	return prefixKinds[prefixOf(id)] == KindPart
}

// ValidateLocation checks that id is a valid sfid with the location prefix.
func ValidateLocation(id string) error {
	if err := Validate(id); err != nil {
		return err
	}
	if !IsLocation(id) {
		return sferr.New(sferr.CodeInvalidIdentifier,
			"location must be a location sfid (prefix 'l_')").WithEntity(id)
	}
	return nil
}

func prefixOf(id string) string {
	i := strings.IndexByte(id, '_')
	if i < 0 {
		return ""
	}
	return id[:i]
}
