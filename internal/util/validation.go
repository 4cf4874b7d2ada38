package util

import (
	"regexp"
)

var (
	uuidRegex    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	hexKeyRegex  = regexp.MustCompile(`^[0-9a-f]{64}$`)
	accountRegex = regexp.MustCompile(`^eip155:[0-9]+:[^:]+$`)
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

// IsValidHexKey reports whether s is a 32-byte lowercase hex string, the
// form used for pairing topics and symmetric keys
func IsValidHexKey(s string) bool {
	return hexKeyRegex.MatchString(s)
}

// IsValidAccount reports whether s is a chain-qualified account string of
// the form eip155:<chainId>:<address>
func IsValidAccount(s string) bool {
	return accountRegex.MatchString(s)
}
