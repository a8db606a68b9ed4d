package auth

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/users"
)

// maxCallbackBody caps the callback request body (64 KB).
const maxCallbackBody = 64 << 10

// Middleware resolves every request and stores the [Identity] in its
// context. Anonymous requests pass through; wrap handlers that need a user
// with [RequireAuthenticated] or [RequireRole]. A source that aborts
// resolution ends the request with its error.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Resolve(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

// RequireAuthenticated rejects anonymous requests with 401 and inactive
// users with 403. It must run behind [Service.Middleware].
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFromContext(r.Context())
		if err := CheckAuthenticated(id); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects requests whose user ranks below role with 403.
// It must run behind [Service.Middleware].
func RequireRole(role users.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := IdentityFromContext(r.Context())
			if err := CheckRole(id, role); err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handler serves the login and session endpoints.
//
//	GET  /config    public client configuration
//	POST /callback  complete the code flow and set the session cookie
//	POST /logout    clear the session cookie
//	GET  /status    who is calling, if anyone
//	GET  /me        the calling user; 401 when anonymous
type Handler struct {
	svc *Service
}

// NewHandler returns a Handler for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes returns a router to mount under a prefix such as "/auth".
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/config", h.config)
	r.Post("/callback", h.callback)
	r.Post("/logout", h.logout)
	r.Group(func(r chi.Router) {
		r.Use(h.svc.Middleware)
		r.Get("/status", h.status)
		r.With(RequireAuthenticated).Get("/me", h.me)
	})
	return r
}

func (h *Handler) config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.FrontendConfig())
}

type callbackRequest struct {
	Code         string `json:"code"`
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
}

type callbackResponse struct {
	User      *users.User `json:"user"`
	ExpiresIn int         `json:"expires_in"`
	TokenType string      `json:"token_type"`
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	req, err := readCallback(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.Login(r.Context(), req.Code, req.State, req.CodeVerifier)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := CheckAuthenticated(&Identity{User: res.User, Method: MethodCookie}); err != nil {
		writeError(w, r, err)
		return
	}

	h.svc.Cookies.Issue(w, res.Tokens.AccessToken, res.Tokens.Lifetime())
	writeJSON(w, http.StatusOK, callbackResponse{
		User:      res.User,
		ExpiresIn: res.Tokens.ExpiresIn,
		TokenType: "cookie",
	})
}

// readCallback accepts the callback fields as a JSON body or as form
// fields.
func readCallback(r *http.Request) (callbackRequest, error) {
	var req callbackRequest
	r.Body = http.MaxBytesReader(nil, r.Body, maxCallbackBody)

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, sserr.Wrap(err, sserr.CodeValidationFormat, "auth: callback body is not valid JSON")
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, sserr.Wrap(err, sserr.CodeValidationFormat, "auth: callback form is malformed")
	}
	req.Code = r.PostFormValue("code")
	req.State = r.PostFormValue("state")
	req.CodeVerifier = r.PostFormValue("code_verifier")
	return req, nil
}

type logoutResponse struct {
	Message       string `json:"message"`
	EndSessionURL string `json:"end_session_url,omitempty"`
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.svc.Cookies.Clear(w)
	writeJSON(w, http.StatusOK, logoutResponse{
		Message:       "Successfully logged out",
		EndSessionURL: h.svc.Discovery.EndSessionURL(r.Context()),
	})
}

type statusResponse struct {
	Authenticated      bool         `json:"authenticated"`
	User               *users.User  `json:"user,omitempty"`
	AuthMethod         Method       `json:"auth_method,omitempty"`
	Provider           ProviderKind `json:"provider"`
	OIDCEnabled        bool         `json:"oidc_enabled"`
	LegacyProxyHeaders bool         `json:"legacy_proxy_headers"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Provider:           h.svc.Config.Provider,
		OIDCEnabled:        true,
		LegacyProxyHeaders: h.svc.Config.Legacy.ProxyHeadersEnabled,
	}
	if id, ok := IdentityFromContext(r.Context()); ok && !id.Anonymous() {
		resp.Authenticated = true
		resp.User = id.User
		resp.AuthMethod = id.Method
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, UserFromContext(r.Context()))
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError renders err as JSON. Token verification failures share one
// public message, and details are only exposed for provider-side failures
// an operator needs to diagnose.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := sserr.FromError(err)
	status := e.HTTPStatus()

	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "auth: request failed", "code", e.Code, "error", err)
	} else {
		slog.DebugContext(r.Context(), "auth: request rejected", "code", e.Code, "error", err)
	}

	payload := errorPayload{Code: e.Code.String(), Message: e.PublicMessage()}
	switch e.Code {
	case sserr.CodeAuthenticationExchange, sserr.CodeUnavailableDiscovery:
		payload.Details = e.Details
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, status, errorBody{Error: payload})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
