// Package session models the HTTP-side cookie session: its identity,
// monotone version, and the security-relevant fields carried in its
// payload. The duplex package consumes this package's types but never
// mutates a CookieSession directly — writes always go through the HTTP
// collaborator (spec §4.6, §5 Shared-resource policy).
package session

import "github.com/restfuncs/restfuncs-go/security"

// State is the opaque identity plus monotonically increasing version of a
// cookie session (spec §3 CookieSessionState). For a given ID, Version only
// ever grows.
type State struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

// Newer reports whether s is strictly newer than other, i.e. other is
// outdated relative to s.
func (s State) Newer(other State) bool {
	return s.ID == other.ID && s.Version > other.Version
}

// CookieSession is the authoritative content of a cookie session, owned by
// the HTTP side (spec §3 CookieSession).
type CookieSession struct {
	State
	Payload security.SessionFields `json:"payload"`
}

// Outdated is the sentinel the duplex side's cached view takes when the
// session validator reports a newer version exists elsewhere.
var Outdated = CookieSession{}

// IsOutdatedSentinel reports whether cs is the Outdated sentinel value.
func IsOutdatedSentinel(cs CookieSession) bool {
	return cs.ID == "" && cs.Version == 0
}
