// Package sitename holds the site-name rules shared by the API and its clients.
package sitename

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	MinLength = 2
	MaxLength = 100
)

var pattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid site name")

// Validate reports whether name may be used as a site name: lowercase letters,
// digits and hyphens, starting and ending with an alphanumeric, 2 to 100 long.
func Validate(name string) error {
	switch {
	case len(name) < MinLength:
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalid, MinLength)
	case len(name) > MaxLength:
		return fmt.Errorf("%w: must be at most %d characters", ErrInvalid, MaxLength)
	case !pattern.MatchString(name):
		return fmt.Errorf("%w: use lowercase letters, digits and hyphens, starting and ending with a letter or digit", ErrInvalid)
	}
	return nil
}

// Suggest lowercases name and folds runs of other characters into single
// hyphens. The result is not guaranteed to validate.
func Suggest(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > MaxLength {
		out = strings.TrimRight(out[:MaxLength], "-")
	}
	return out
}
