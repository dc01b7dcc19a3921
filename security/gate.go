// Package security implements the pure security gate (spec §4.5): a
// function of a request's security-relevant properties, the session's
// security fields, and the enforced protection mode, returning an allow/deny
// decision with a precise reason. It has no side effects and depends on no
// connection or session state beyond what's passed in.
package security

import "github.com/restfuncs/restfuncs-go/wireformat"

// ProtectionMode selects the CSRF/CORS discipline a session (or security
// group) enforces. The zero value is Preflight, the default (spec §4.5).
type ProtectionMode string

const (
	Preflight     ProtectionMode = "preflight"
	CorsReadToken ProtectionMode = "corsReadToken"
	CsrfToken     ProtectionMode = "csrfToken"
)

// SessionFields is the security-relevant subset of a cookie session's
// payload (spec §3 SecurityRelevantSessionFields). Invariant: at most one of
// CorsReadTokens / CsrfTokens is non-empty; ProtectionMode selects which.
type SessionFields struct {
	ProtectionMode ProtectionMode    `json:"csrfProtectionMode,omitempty"`
	CorsReadTokens map[string]string `json:"corsReadTokens,omitempty"`
	CsrfTokens     map[string]string `json:"csrfTokens,omitempty"`
}

// RequestProperties is the security-relevant shape of one HTTP (or
// duplex-channel) call (spec §3 SecurityPropertiesOfHttpRequest).
type RequestProperties struct {
	Origin                       string
	Destination                  string
	CouldBeSimpleRequest         bool
	BrowserMightHaveSecurityIssue bool
	CorsReadToken                string // already unshielded
	CsrfToken                    string // already unshielded
	ReadWasProven                bool
	// MethodIsSafe marks a method declared read-only (spec GLOSSARY "Safe
	// method"), permitting credentialed GETs without a preflight.
	MethodIsSafe bool
	// IsSimpleGET marks a request that is both simple (no preflight
	// trigger) and uses GET.
	IsSimpleGET bool
	// IsFormPost / IsTopLevelNavigation refine the denial hint for simple
	// non-GET requests (spec §4.5 "precise hint").
	IsFormPost          bool
	IsTopLevelNavigation bool
}

// GateConfig parameterizes one security group's gate.
type GateConfig struct {
	GroupID        string
	AllowedOrigins []string
	// StrictMode implements spec §9's devForceTokenCheck: it turns
	// otherwise-tolerated missing-token conditions into hard failures.
	// Production configuration must leave this false.
	StrictMode bool
}

// DenyReason enumerates the precise reasons the gate can deny a request
// (spec §4.5).
type DenyReason string

const (
	DenyProtocolMismatch      DenyReason = "protocol-mismatch"
	DenyTokenMissing          DenyReason = "token-missing"
	DenyTokenInvalid          DenyReason = "token-invalid"
	DenyOriginDisallowed      DenyReason = "origin-disallowed"
	DenyUnsafeContentType     DenyReason = "unsafe-content-type"
	DenyUnsafeSimpleRequest   DenyReason = "unsafe-get-to-unsafe-method"
	DenyBrowserSecurityIssue  DenyReason = "browser-security-issue"
)

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	// Hint distinguishes form posts, top-level navigations and crafted
	// requests for Allowed == false on a simple, non-GET request.
	Hint string
	// FetchTokenHint names which token the caller should go fetch via the
	// HTTP side before retrying, when that would resolve the denial.
	FetchTokenHint string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason DenyReason, hint string) Decision {
	return Decision{Allowed: false, Reason: reason, Hint: hint}
}

// Evaluate is the pure gate function. Same inputs always yield the same
// decision (spec §8 invariant).
func Evaluate(req RequestProperties, sess SessionFields, cfg GateConfig) Decision {
	if req.BrowserMightHaveSecurityIssue {
		return deny(DenyBrowserSecurityIssue, "browser has known CORS weaknesses; refused unconditionally")
	}

	mode := sess.ProtectionMode
	if mode == "" {
		mode = Preflight
	}

	switch mode {
	case CsrfToken:
		return evaluateCsrfToken(req, sess, cfg)
	case CorsReadToken:
		return evaluateCorsReadToken(req, sess, cfg)
	default:
		return evaluatePreflight(req, cfg)
	}
}

func evaluateCsrfToken(req RequestProperties, sess SessionFields, cfg GateConfig) Decision {
	want, ok := sess.CsrfTokens[cfg.GroupID]
	if !ok || want == "" {
		if cfg.StrictMode {
			return deny(DenyTokenMissing, "csrfToken mode requires a session-bound token")
		}
	}
	if req.CsrfToken == "" {
		d := deny(DenyTokenMissing, "missing csrf token")
		d.FetchTokenHint = "csrfToken"
		return d
	}
	if !wireformat.TokensEqual(req.CsrfToken, want) {
		return deny(DenyTokenInvalid, "csrf token does not match session")
	}
	return allow()
}

func evaluateCorsReadToken(req RequestProperties, sess SessionFields, cfg GateConfig) Decision {
	if originAllowed(req.Origin, cfg.AllowedOrigins) {
		return allow()
	}
	want, ok := sess.CorsReadTokens[cfg.GroupID]
	if !ok && cfg.StrictMode {
		return deny(DenyTokenMissing, "corsReadToken mode requires a session-bound token")
	}
	if req.CorsReadToken == "" {
		d := deny(DenyOriginDisallowed, "origin not in allow-list and no corsReadToken presented")
		d.FetchTokenHint = "corsReadToken"
		return d
	}
	if !wireformat.TokensEqual(req.CorsReadToken, want) {
		return deny(DenyTokenInvalid, "corsReadToken does not match session")
	}
	return allow()
}

func evaluatePreflight(req RequestProperties, cfg GateConfig) Decision {
	if !req.CouldBeSimpleRequest {
		// A real preflight (OPTIONS) already vetted the origin for us.
		if req.Origin != "" && !originAllowed(req.Origin, cfg.AllowedOrigins) {
			return deny(DenyOriginDisallowed, "preflighted request from disallowed origin")
		}
		return allow()
	}

	// Simple request: browser would not have preflighted it.
	if req.IsSimpleGET {
		if req.MethodIsSafe {
			return allow()
		}
		return deny(DenyUnsafeSimpleRequest, simpleRequestHint(req))
	}
	return deny(DenyUnsafeSimpleRequest, simpleRequestHint(req))
}

func simpleRequestHint(req RequestProperties) string {
	switch {
	case req.IsFormPost:
		return "looks like a form post; unsafe methods require a preflight-triggering request"
	case req.IsTopLevelNavigation:
		return "looks like a top-level navigation; unsafe methods cannot be reached this way"
	default:
		return "crafted simple request to a non-safe method without origin verification"
	}
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == origin || a == "*" {
			return true
		}
	}
	return false
}
