package registry

import (
	"fmt"
	"strings"
)

// challenge holds the parameters of an OAuth2 Bearer challenge.
type challenge struct {
	Realm   string
	Service string
	Scope   string
}

// parseChallenge extracts realm, service and scope from a WWW-Authenticate
// value per RFC 6750 section 3: the Bearer scheme token is stripped, the
// remainder split on commas into key="value" pairs, values unquoted and
// trimmed. All three fields are required.
func parseChallenge(header string) (challenge, error) {
	rest, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return challenge{}, fmt.Errorf("%w: %q", ErrMalformedChallenge, header)
	}

	var ch challenge
	for _, field := range strings.Split(rest, ",") {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch key {
		case "realm":
			ch.Realm = value
		case "service":
			ch.Service = value
		case "scope":
			ch.Scope = value
		}
	}

	if ch.Realm == "" || ch.Service == "" || ch.Scope == "" {
		return challenge{}, fmt.Errorf("%w: %q", ErrMalformedChallenge, header)
	}
	return ch, nil
}
