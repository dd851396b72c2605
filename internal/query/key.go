package query

import (
	"strconv"
	"strings"
)

// Key identifies a query: ordered segments such as ["coupons", "user", "7"].
// The first segment is the data domain.
type Key []string

// Domain returns the first segment
func (k Key) Domain() string {
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

func (k Key) String() string {
	quoted := make([]string, len(k))
	for i, s := range k {
		quoted[i] = strconv.Quote(s)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

// id is the map key of an entry
func (k Key) id() string {
	return strings.Join(k, "\x00")
}

// HasPrefix reports whether the first segments of k equal prefix
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Matches reports whether an invalidation pattern covers k: the pattern is a
// prefix of k, or of k without its domain segment. The second form cascades
// across domains sharing a scope, e.g. ["user","7"] covers both
// ["coupons","user","7"] and ["notifications","user","7"].
func (k Key) Matches(pattern Key) bool {
	if len(pattern) == 0 {
		return true
	}
	if k.HasPrefix(pattern) {
		return true
	}
	return len(k) > 0 && k[1:].HasPrefix(pattern)
}

// ParseKey splits a "/"-separated key, e.g. "coupons/user/7"
func ParseKey(s string) Key {
	s = strings.Trim(s, "/")
	if s == "" {
		return Key{}
	}
	return Key(strings.Split(s, "/"))
}

func splitID(id string) []string {
	if id == "" {
		return nil
	}
	return strings.Split(id, "\x00")
}
