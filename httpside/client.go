package httpside

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/restfuncs/restfuncs-go/duplex"
	"github.com/restfuncs/restfuncs-go/session"
)

// Client implements duplex.CookieSessionResync over net/http, the
// counterpart to Handler. It reads the browser-visible state cookie (via the
// underlying http.Client's CookieJar, the way a browser would expose
// rfSessState to JS) and talks to Handler's three endpoints. The token each
// endpoint returns is opaque to this package; Client never attempts to
// interpret it, only relays it back over the duplex channel as
// duplex.CookieSessionAnswer.Token.
type Client struct {
	HTTPClient   *http.Client
	BaseURL      string
	ConnectionID string
	CookieName   string
}

// NewClient returns a Client posting to baseURL (no trailing slash) on
// behalf of connectionID, using httpClient (a *http.Client with a cookie jar
// if browser-cookie semantics are wanted; nil selects http.DefaultClient).
func NewClient(httpClient *http.Client, baseURL, connectionID, cookieName string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTPClient: httpClient, BaseURL: strings.TrimRight(baseURL, "/"), ConnectionID: connectionID, CookieName: cookieName}
}

// CurrentBrowserCookieState parses the client's rfSessState-equivalent
// cookie out of the underlying http.Client's cookie jar, if any.
func (c *Client) CurrentBrowserCookieState(ctx context.Context) (session.State, bool) {
	if c.HTTPClient == nil || c.HTTPClient.Jar == nil {
		return session.State{}, false
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return session.State{}, false
	}
	for _, ck := range c.HTTPClient.Jar.Cookies(u) {
		if ck.Name != c.CookieName {
			continue
		}
		if state, ok := parseStateCookie(ck.Value); ok {
			return state, true
		}
	}
	return session.State{}, false
}

func parseStateCookie(value string) (session.State, bool) {
	id, versionStr, found := strings.Cut(value, ".")
	if !found {
		return session.State{}, false
	}
	v, err := strconv.ParseUint(versionStr, 10, 64)
	if err != nil {
		return session.State{}, false
	}
	return session.State{ID: id, Version: v}, true
}

// ResyncFromHTTP re-fetches the cookie session after the browser cookie
// diverged from what was last set on the server, forwarding question (the
// server's handshake-issued GetCookieSession question token) so the server
// can recognize this connection.
func (c *Client) ResyncFromHTTP(ctx context.Context, question string) (duplex.CookieSessionAnswer, error) {
	return c.fetchCookieSession(ctx, question)
}

// FetchAndSet fetches the current cookie session after the server reported
// it dropped, forwarding question the same way ResyncFromHTTP does.
func (c *Client) FetchAndSet(ctx context.Context, question string) (duplex.CookieSessionAnswer, error) {
	return c.fetchCookieSession(ctx, question)
}

// InitializeFromHTTP initializes a previously-uninitialized cookie session,
// forwarding the server's GetCookieSession question token.
func (c *Client) InitializeFromHTTP(ctx context.Context, question string) (duplex.CookieSessionAnswer, error) {
	return c.fetchCookieSession(ctx, question)
}

// UpdateOnHTTPAndSet commits a server-issued session update token to HTTP
// and returns the fresh answer the duplex side must relay via
// setCookieSession.
func (c *Client) UpdateOnHTTPAndSet(ctx context.Context, updateToken string) (duplex.CookieSessionAnswer, error) {
	reqBody := map[string]string{"connectionId": c.ConnectionID, "token": updateToken}
	var resp tokenResponse
	if err := c.postJSON(ctx, "/cookie-session-update", reqBody, &resp); err != nil {
		return duplex.CookieSessionAnswer{}, fmt.Errorf("httpside: update cookie session: %w", err)
	}
	state, _ := c.CurrentBrowserCookieState(ctx)
	return duplex.CookieSessionAnswer{Session: session.CookieSession{State: state}, Token: resp.Token}, nil
}

// FetchHTTPSecurityProperties answers a needs-http-security question,
// returning the answer token to send back over the duplex channel.
func (c *Client) FetchHTTPSecurityProperties(ctx context.Context, syncKey, question string) (string, error) {
	reqBody := questionRequest{ConnectionID: c.ConnectionID, Question: question}
	var resp tokenResponse
	if err := c.postJSON(ctx, "/http-security", reqBody, &resp); err != nil {
		return "", fmt.Errorf("httpside: fetch http security properties: %w", err)
	}
	return resp.Token, nil
}

// fetchCookieSession calls the GetCookieSession endpoint. The server's
// Set-Cookie response header updates the jar as a side effect of the HTTP
// round trip (the way a browser would apply it), so the resulting local
// state is read back from the jar rather than decoded from the opaque
// answer token.
func (c *Client) fetchCookieSession(ctx context.Context, question string) (duplex.CookieSessionAnswer, error) {
	reqBody := questionRequest{ConnectionID: c.ConnectionID, Question: question}
	var resp tokenResponse
	if err := c.postJSON(ctx, "/cookie-session", reqBody, &resp); err != nil {
		return duplex.CookieSessionAnswer{}, fmt.Errorf("httpside: fetch cookie session: %w", err)
	}
	state, _ := c.CurrentBrowserCookieState(ctx)
	return duplex.CookieSessionAnswer{Session: session.CookieSession{State: state}, Token: resp.Token}, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
