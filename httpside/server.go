package httpside

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/restfuncs/restfuncs-go/security"
	"github.com/restfuncs/restfuncs-go/session"
	"github.com/restfuncs/restfuncs-go/tokenbox"
	"go.uber.org/zap"
)

type cookieSessionQuestionPayload struct {
	ConnectionID    string `json:"connectionId"`
	ForceInitialize bool   `json:"forceInitialize"`
}

type cookieSessionAnswerPayload struct {
	Question      string               `json:"question"`
	CookieSession session.CookieSession `json:"cookieSession"`
}

type securityQuestionPayload struct {
	ConnectionID string `json:"connectionId"`
	ClassID      string `json:"classId"`
}

type securityAnswerPayload struct {
	Question   string                     `json:"question"`
	Properties security.RequestProperties `json:"properties"`
}

type cookieSessionUpdatePayload struct {
	ClassID    string                `json:"classId"`
	NewSession session.CookieSession `json:"newSession"`
}

// Boxes bundles the token boxes a process's httpside.Handler shares with its
// duplex.ServerSession instances (spec §4.6: tokens cross the HTTP/duplex
// boundary, so both sides must hold the same box set).
type Boxes struct {
	CookieQuestion *tokenbox.Box
	CookieAnswer   *tokenbox.Box
	SecurityQ      *tokenbox.Box
	SecurityA      *tokenbox.Box
	Update         *tokenbox.Box
}

// Handler implements the three HTTP collaborator endpoints of spec §4.6. A
// process typically registers one Handler on its mux alongside the
// transport's WebSocket upgrade endpoint.
type Handler struct {
	Store      session.Store
	CookieName string
	Boxes      Boxes
	GateConfig security.GateConfig
	Log        *zap.Logger

	// NewSessionID produces a fresh session identity when initializing an
	// uninitialized cookie session. Defaults to uuid.NewString.
	NewSessionID func() string
}

// NewHandler returns a Handler using the given store, cookie name, and
// shared token boxes.
func NewHandler(store session.Store, cookieName string, boxes Boxes, gateConfig security.GateConfig, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:        store,
		CookieName:   cookieName,
		Boxes:        boxes,
		GateConfig:   gateConfig,
		Log:          log,
		NewSessionID: uuid.NewString,
	}
}

// ServeHTTP routes the three collaborator endpoints by path suffix:
// .../cookie-session, .../http-security, .../cookie-session-update.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/cookie-session-update"):
		h.updateCookieSession(w, r)
	case strings.HasSuffix(r.URL.Path, "/cookie-session"):
		h.getCookieSession(w, r)
	case strings.HasSuffix(r.URL.Path, "/http-security"):
		h.getHTTPSecurityProperties(w, r)
	default:
		http.NotFound(w, r)
	}
}

type questionRequest struct {
	ConnectionID string `json:"connectionId"`
	Question     string `json:"question"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// getCookieSession answers a GetCookieSession question (spec §4.6): it
// opens the question token to confirm it targets this connection, resolves
// the actual session state (reading the browser's rfSessState-equivalent
// cookie, initializing a fresh one if ForceInitialize or none exists), and
// returns a sealed answer the client relays back over the duplex channel via
// setCookieSession.
func (h *Handler) getCookieSession(w http.ResponseWriter, r *http.Request) {
	var body questionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	var q cookieSessionQuestionPayload
	if err := h.Boxes.CookieQuestion.Open(body.ConnectionID, body.Question, &q); err != nil {
		http.Error(w, "invalid question token", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	cs, err := h.resolveCookieSession(ctx, r, w, q.ForceInitialize)
	if err != nil {
		h.Log.Error("resolve cookie session", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	answer, err := h.Boxes.CookieAnswer.Seal(q.ConnectionID, cookieSessionAnswerPayload{
		Question:      body.Question,
		CookieSession: cs,
	})
	if err != nil {
		h.Log.Error("seal cookie session answer", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, tokenResponse{Token: answer})
}

// resolveCookieSession reads the rfSessState-equivalent cookie, loads the
// matching session from the store, and initializes a fresh one when the
// cookie is missing or forceInit is set. It always sets the resulting
// identity cookie on w.
func (h *Handler) resolveCookieSession(ctx context.Context, r *http.Request, w http.ResponseWriter, forceInit bool) (session.CookieSession, error) {
	id, _, ok := h.readStateCookie(r)
	if ok && !forceInit {
		cs, err := h.Store.Load(ctx, id)
		if err == nil {
			h.writeStateCookie(w, cs.State)
			return cs, nil
		}
	}

	newID := h.NewSessionID()
	cs := session.CookieSession{State: session.State{ID: newID, Version: 1}}
	if err := h.Store.Save(ctx, cs); err != nil {
		return session.CookieSession{}, fmt.Errorf("httpside: save new session: %w", err)
	}
	h.writeStateCookie(w, cs.State)
	return cs, nil
}

// getHTTPSecurityProperties answers a needs-http-security question: it
// opens the question token, computes this request's security properties,
// and returns them sealed for the duplex side to consume via
// updateHttpSecurityProperties.
func (h *Handler) getHTTPSecurityProperties(w http.ResponseWriter, r *http.Request) {
	var body questionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	var q securityQuestionPayload
	if err := h.Boxes.SecurityQ.Open(body.ConnectionID, body.Question, &q); err != nil {
		http.Error(w, "invalid question token", http.StatusForbidden)
		return
	}

	corsReadToken := r.URL.Query().Get("corsReadToken")
	csrfToken := r.Header.Get("X-Csrf-Token")
	props := RequestProperties(r, corsReadToken, csrfToken, false)

	answer, err := h.Boxes.SecurityA.Seal(q.ConnectionID, securityAnswerPayload{
		Question:   body.Question,
		Properties: props,
	})
	if err != nil {
		h.Log.Error("seal security answer", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, tokenResponse{Token: answer})
}

// updateCookieSession commits a server-issued CookieSessionUpdate token
// (spec §4.4 step 8) to the store and the browser-visible cookie, then seals
// a fresh GetCookieSessionAnswer-purpose token (with no embedded question,
// since nothing was asked — setCookieSession treats that as legal context E)
// for the client to relay back over the duplex channel via setCookieSession.
func (h *Handler) updateCookieSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnectionID string `json:"connectionId"`
		Token        string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	var upd cookieSessionUpdatePayload
	if err := h.Boxes.Update.Open(body.ConnectionID, body.Token, &upd); err != nil {
		http.Error(w, "invalid update token", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	if err := h.Store.Save(ctx, upd.NewSession); err != nil {
		h.Log.Error("save updated session", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeStateCookie(w, upd.NewSession.State)

	answer, err := h.Boxes.CookieAnswer.Seal(body.ConnectionID, cookieSessionAnswerPayload{
		CookieSession: upd.NewSession,
	})
	if err != nil {
		h.Log.Error("seal cookie session commit answer", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, tokenResponse{Token: answer})
}

func (h *Handler) readStateCookie(r *http.Request) (id string, version uint64, ok bool) {
	c, err := r.Cookie(h.CookieName)
	if err != nil {
		return "", 0, false
	}
	idPart, versionPart, found := strings.Cut(c.Value, ".")
	if !found {
		return "", 0, false
	}
	v, err := strconv.ParseUint(versionPart, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return idPart, v, true
}

func (h *Handler) writeStateCookie(w http.ResponseWriter, state session.State) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.CookieName,
		Value:    fmt.Sprintf("%s.%d", state.ID, state.Version),
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
