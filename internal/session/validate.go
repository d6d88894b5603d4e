package session

import (
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that an identity name conforms to naming rules. Names
// become directory components, so the character set is deliberately narrow.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid identity name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
