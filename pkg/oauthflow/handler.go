package oauthflow

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// Routes served by Handler and Register.
const (
	ConnectPath  = "/connect"
	CallbackPath = DefaultCallbackPath
	RegisterPath = "/register"
)

const registrationCookiePrefix = "mcp_oauth_client_"

type connectRequest struct {
	ServerURL   string `json:"serverUrl"`
	RedirectURI string `json:"redirectUri,omitempty"`
}

type connectResponse struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}

type registerResponse struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// Register mounts the OAuth routes on r.
func (f *Flow) Register(r *mux.Router) {
	r.HandleFunc(ConnectPath, f.handleConnect).Methods(http.MethodPost)
	r.HandleFunc(CallbackPath, f.handleCallback).Methods(http.MethodGet)
	r.HandleFunc(RegisterPath, f.handleRegister).Methods(http.MethodPost)
}

// Handler returns a router serving only the OAuth routes.
func (f *Flow) Handler() http.Handler {
	r := mux.NewRouter()
	f.Register(r)
	return r
}

func (f *Flow) handleConnect(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeConnect(w, r)
	if !ok {
		return
	}
	redirectURI := f.redirectURI(r, in.RedirectURI)
	auth, err := f.Begin(r.Context(), in.ServerURL, redirectURI, readRegistrationCookie(r, in.ServerURL))
	if err != nil {
		f.opts.Logger.Warn("oauth connect failed", "server", in.ServerURL, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	f.writeRegistrationCookie(w, in.ServerURL, auth.Registration)
	writeJSON(w, http.StatusOK, connectResponse{AuthURL: auth.AuthURL, State: auth.State})
}

func (f *Flow) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		msg := e
		if d := q.Get("error_description"); d != "" {
			msg += ": " + d
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "code and state are required")
		return
	}
	tok, err := f.Complete(r.Context(), code, state)
	switch {
	case errors.Is(err, ErrUnknownState):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		f.opts.Logger.Warn("oauth code exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (f *Flow) handleRegister(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeConnect(w, r)
	if !ok {
		return
	}
	reg, err := f.RegisterClient(r.Context(), in.ServerURL, f.redirectURI(r, in.RedirectURI), nil)
	if err != nil {
		f.opts.Logger.Warn("oauth registration failed", "server", in.ServerURL, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	f.writeRegistrationCookie(w, in.ServerURL, reg)
	writeJSON(w, http.StatusOK, registerResponse{ClientID: reg.ClientID, ClientSecret: reg.ClientSecret})
}

func decodeConnect(w http.ResponseWriter, r *http.Request) (connectRequest, bool) {
	var in connectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return in, false
	}
	if _, err := NormalizeServerURL(in.ServerURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return in, false
	}
	return in, true
}

// redirectURI picks the explicit value, then Options.RedirectURI, then the
// callback route on the requesting host.
func (f *Flow) redirectURI(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if f.opts.RedirectURI != "" {
		return f.opts.RedirectURI
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + CallbackPath
}

func registrationCookieName(serverURL string) string {
	key, err := NormalizeServerURL(serverURL)
	if err != nil {
		return ""
	}
	return registrationCookiePrefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (f *Flow) writeRegistrationCookie(w http.ResponseWriter, serverURL string, reg Registration) {
	name := registrationCookieName(serverURL)
	if name == "" || reg.ClientID == "" {
		return
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    base64.RawURLEncoding.EncodeToString(data),
		Path:     "/",
		MaxAge:   registrationCookieMaxAge,
		HttpOnly: true,
		Secure:   f.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func readRegistrationCookie(r *http.Request, serverURL string) *Registration {
	name := registrationCookieName(serverURL)
	if name == "" {
		return nil
	}
	c, err := r.Cookie(name)
	if err != nil {
		return nil
	}
	data, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil
	}
	var reg Registration
	if json.Unmarshal(data, &reg) != nil || reg.ClientID == "" {
		return nil
	}
	return &reg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
