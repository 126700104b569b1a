package profile

import (
	"fmt"
	"regexp"
)

// Names become directory names under profiles/, so they stay lowercase and
// path-safe.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: use up to 64 of a-z 0-9 _ -, starting with a letter or digit", name)
	}
	return nil
}
