// Package httpside implements the HTTP collaborator contract of spec §4.6:
// the three endpoints the duplex side calls out to over HTTP
// (GetCookieSession, GetHttpSecurityProperties, UpdateCookieSession), plus a
// client-side implementation of duplex.CookieSessionResync. Grounded on the
// teacher's mcp/streamable.go HTTP handler (session-id header/cookie
// extraction, JSON body decode/encode, status-code mapping) generalized from
// MCP session bootstrapping to cookie-session and security-property
// exchange.
//
// This package deliberately does not attempt to be a full HTTP framework:
// per spec §1 the request dispatcher's argument collection and content
// negotiation are external collaborators. httpside implements only the
// three collaborator endpoints plus the minimal routing needed to exercise
// duplex end to end.
package httpside

import (
	"net/http"
	"strings"

	"github.com/restfuncs/restfuncs-go/security"
)

// RequestProperties derives the security-relevant view of req (spec §3
// SecurityPropertiesOfHttpRequest) needed to evaluate the gate. corsReadToken
// and csrfToken are the already-unshielded values the caller extracted from
// the request (query string / header), since unshielding is wireformat's
// concern, not this one.
func RequestProperties(req *http.Request, corsReadToken, csrfToken string, methodIsSafe bool) security.RequestProperties {
	origin := req.Header.Get("Origin")
	destination := req.Header.Get("Sec-Fetch-Dest")
	isSimpleGET := req.Method == http.MethodGet && isSimpleRequest(req)

	return security.RequestProperties{
		Origin:                        origin,
		Destination:                   req.Host,
		CouldBeSimpleRequest:          isSimpleRequest(req),
		BrowserMightHaveSecurityIssue: looksLikeVulnerableBrowser(req),
		CorsReadToken:                 corsReadToken,
		CsrfToken:                     csrfToken,
		MethodIsSafe:                  methodIsSafe,
		IsSimpleGET:                   isSimpleGET,
		IsFormPost:                    req.Method == http.MethodPost && isFormContentType(req.Header.Get("Content-Type")),
		IsTopLevelNavigation:          destination == "document",
	}
}

// isSimpleRequest approximates the WHATWG CORS-safelisted-request
// definition: a request a browser would send without a preflight.
func isSimpleRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return true
	case http.MethodPost:
		return isFormContentType(req.Header.Get("Content-Type"))
	default:
		return false
	}
}

func isFormContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data", "text/plain", "":
		return ct != ""
	default:
		return false
	}
}

// looksLikeVulnerableBrowser is the hook for flagging user agents with
// CORS/fetch bugs severe enough that the gate must refuse them
// unconditionally (spec §4.5 "BrowserMightHaveSecurityIssue"). It flags no
// user agent: it always returns false. BrowserMightHaveSecurityIssue is set
// only by callers that construct RequestProperties directly.
func looksLikeVulnerableBrowser(req *http.Request) bool {
	return false
}
