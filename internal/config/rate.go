package config

import (
	"fmt"
	"regexp"

	"github.com/NodePath81/groupshaper/internal/shaperr"
)

// rateTokenPattern matches tc's native suffixes (bit/kbit/mbit/gbit) and
// the colloquial bps/kbps/mbps/gbps forms traffictoll's example configs
// and README use. A bare number with no unit is rejected: the driver
// forwards this token to tc unparsed, so an unambiguous unit is what
// catches a typo here instead of as an opaque tc exit failure mid-run.
var rateTokenPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?(bit|kbit|mbit|gbit|bps|kbps|mbps|gbps)$`)

// ValidateRate checks a rate token against the accepted unit grammar.
// An empty token means "unset" and is always valid. field names the
// offending key in the returned ConfigError.
func ValidateRate(field, token string) error {
	if token == "" {
		return nil
	}
	if !rateTokenPattern.MatchString(token) {
		return &shaperr.ConfigError{
			Field:  field,
			Reason: fmt.Sprintf("invalid rate %q: expected a number followed by bit/kbit/mbit/gbit/bps/kbps/mbps/gbps", token),
		}
	}
	return nil
}
