package order

import (
	"strconv"
	"strings"
	"time"
)

// maxClientIDLen is the venue limit on newClientOrderId.
const maxClientIDLen = 36

// NewClientOrderID derives "{tag}-{symbol}-{salt}" where salt is the submission
// time in base36 nanoseconds. The prefix is shortened when needed so the salt
// always survives the length limit.
func NewClientOrderID(symbol, tag string, submittedAt time.Time) string {
	salt := strconv.FormatInt(submittedAt.UnixNano(), 36)
	prefix := sanitize(tag) + "-" + sanitize(strings.ToUpper(symbol))
	if room := maxClientIDLen - len(salt) - 1; len(prefix) > room {
		prefix = prefix[:room]
	}
	return prefix + "-" + salt
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		case r == '-', r == '.', r == ':', r == ' ':
			return '_'
		}
		return -1
	}, s)
}
