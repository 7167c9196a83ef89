// Package hubapi serves the JSON API the browser UI uses to manage servers,
// browse their primitives, call tools and answer server-initiated requests.
package hubapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/agent"
	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
)

const maxBodyBytes = 4 << 20

// API exposes one Manager over HTTP.
type API struct {
	mgr    *mcpmgr.Manager
	opts   Options
	logger *slog.Logger
}

// New builds an API for mgr.
func New(mgr *mcpmgr.Manager, opts *Options) *API {
	options := opts.withDefaults()
	return &API{mgr: mgr, opts: options, logger: options.Logger}
}

// Handler returns a router serving only the API routes.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	a.Register(r)
	return r
}

// Register mounts the routes under Options.Prefix.
func (a *API) Register(r *mux.Router) {
	s := r.PathPrefix(a.opts.Prefix).Subrouter()
	s.HandleFunc("/servers", a.listServers).Methods(http.MethodGet)
	s.HandleFunc("/servers", a.addServer).Methods(http.MethodPost)
	s.HandleFunc("/servers", a.replaceServers).Methods(http.MethodPut)
	s.HandleFunc("/servers/{id}", a.getServer).Methods(http.MethodGet)
	s.HandleFunc("/servers/{id}", a.patchServer).Methods(http.MethodPatch)
	s.HandleFunc("/servers/{id}", a.removeServer).Methods(http.MethodDelete)
	s.HandleFunc("/servers/{id}/connect", a.connectServer).Methods(http.MethodPost)
	s.HandleFunc("/servers/{id}/disconnect", a.disconnectServer).Methods(http.MethodPost)
	s.HandleFunc("/servers/{id}/active", a.activateServer).Methods(http.MethodPut)
	s.HandleFunc("/servers/{id}/session", a.sessionID).Methods(http.MethodGet)
	s.HandleFunc("/servers/{id}/tools/call", a.callTool).Methods(http.MethodPost)
	s.HandleFunc("/servers/{id}/resources/read", a.readResource).Methods(http.MethodPost)
	s.HandleFunc("/servers/{id}/prompts/get", a.getPrompt).Methods(http.MethodPost)
	s.HandleFunc("/active", a.activeServer).Methods(http.MethodGet)
	s.HandleFunc("/tools", a.listTools).Methods(http.MethodGet)
	s.HandleFunc("/resources", a.listResources).Methods(http.MethodGet)
	s.HandleFunc("/prompts", a.listPrompts).Methods(http.MethodGet)
	s.HandleFunc("/push", a.listPush).Methods(http.MethodGet)
	s.HandleFunc("/push/{serverId}/{requestId}", a.respondPush).Methods(http.MethodPost)
	s.HandleFunc("/chat", a.chat).Methods(http.MethodPost)
}

func (a *API) view(id string) (serverView, error) {
	rec, err := a.mgr.Server(id)
	if err != nil {
		return serverView{}, err
	}
	return newServerView(rec, a.mgr.ActiveServer()), nil
}

func (a *API) listServers(w http.ResponseWriter, _ *http.Request) {
	active := a.mgr.ActiveServer()
	records := a.mgr.Servers()
	out := make([]serverView, 0, len(records))
	for _, rec := range records {
		out = append(out, newServerView(rec, active))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) addServer(w http.ResponseWriter, r *http.Request) {
	var in addServerRequest
	if !decode(w, r, &in) {
		return
	}
	kind := mcpmgr.TransportKind(in.Transport)
	if in.Transport != "" && !kind.Valid() {
		a.fail(w, badRequest(fmt.Errorf("unknown transport %q", in.Transport)))
		return
	}
	id, err := a.mgr.AddServer(in.URL, &mcpmgr.AddServerOptions{
		Name:        in.Name,
		Transport:   kind,
		Headers:     in.Headers,
		Credentials: in.Credentials,
	})
	if err != nil {
		a.fail(w, badRequest(err))
		return
	}
	status := http.StatusCreated
	if in.Connect {
		ctx, cancel := context.WithTimeout(r.Context(), a.opts.ConnectTimeout)
		err := a.mgr.ConnectServer(ctx, id, nil)
		cancel()
		if err != nil {
			// The record exists; the view carries the error state.
			a.logger.Warn("connect after add failed", "server", id, "error", err)
			status = http.StatusAccepted
		}
	}
	v, err := a.view(id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, status, v)
}

func (a *API) replaceServers(w http.ResponseWriter, r *http.Request) {
	var entries []mcpmgr.PersistedServer
	if !decode(w, r, &entries) {
		return
	}
	if err := a.mgr.ReplaceServers(entries); err != nil {
		a.fail(w, badRequest(err))
		return
	}
	a.listServers(w, r)
}

func (a *API) getServer(w http.ResponseWriter, r *http.Request) {
	v, err := a.view(mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) patchServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in patchServerRequest
	if !decode(w, r, &in) {
		return
	}
	err := a.mgr.UpdateServer(id, mcpmgr.ServerPatch{
		Name:             in.Name,
		Credentials:      in.Credentials,
		ClearCredentials: in.ClearCredentials,
		Headers:          in.Headers,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.getServer(w, r)
}

func (a *API) removeServer(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.RemoveServer(mux.Vars(r)["id"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) connectServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in connectRequest
	if r.ContentLength != 0 && !decode(w, r, &in) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.opts.ConnectTimeout)
	defer cancel()
	if err := a.mgr.ConnectServer(ctx, id, in.Credentials); err != nil {
		a.fail(w, err)
		return
	}
	a.getServer(w, r)
}

func (a *API) disconnectServer(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.DisconnectServer(mux.Vars(r)["id"]); err != nil {
		a.fail(w, err)
		return
	}
	a.getServer(w, r)
}

func (a *API) activateServer(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.SetActiveServer(mux.Vars(r)["id"]); err != nil {
		a.fail(w, err)
		return
	}
	a.getServer(w, r)
}

func (a *API) activeServer(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"id": a.mgr.ActiveServer()})
}

func (a *API) sessionID(w http.ResponseWriter, r *http.Request) {
	sid, err := a.mgr.GetSessionID(mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sid})
}

func (a *API) callTool(w http.ResponseWriter, r *http.Request) {
	var in toolCallRequest
	if !decode(w, r, &in) {
		return
	}
	if in.Name == "" {
		a.fail(w, badRequest(errors.New("name is required")))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.opts.CallTimeout)
	defer cancel()
	var args any
	if in.Arguments != nil {
		args = in.Arguments
	}
	res, err := a.mgr.CallToolOnServer(ctx, mux.Vars(r)["id"], in.Name, args)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) readResource(w http.ResponseWriter, r *http.Request) {
	var in readResourceRequest
	if !decode(w, r, &in) {
		return
	}
	if in.URI == "" {
		a.fail(w, badRequest(errors.New("uri is required")))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.opts.CallTimeout)
	defer cancel()
	res, err := a.mgr.ReadResourceOnServer(ctx, mux.Vars(r)["id"], in.URI)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) getPrompt(w http.ResponseWriter, r *http.Request) {
	var in getPromptRequest
	if !decode(w, r, &in) {
		return
	}
	if in.Name == "" {
		a.fail(w, badRequest(errors.New("name is required")))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.opts.CallTimeout)
	defer cancel()
	res, err := a.mgr.GetPromptOnServer(ctx, mux.Vars(r)["id"], in.Name, in.Arguments)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) listTools(w http.ResponseWriter, _ *http.Request) {
	all := a.mgr.GetAllTools()
	out := make([]toolView, 0, len(all))
	for _, t := range all {
		out = append(out, toolView{ServerID: t.ServerID, ServerName: t.ServerName, Tool: t.Tool})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) listResources(w http.ResponseWriter, _ *http.Request) {
	all := a.mgr.GetAllResources()
	out := make([]resourceView, 0, len(all))
	for _, res := range all {
		out = append(out, resourceView{ServerID: res.ServerID, ServerName: res.ServerName, Resource: res.Resource})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) listPrompts(w http.ResponseWriter, _ *http.Request) {
	all := a.mgr.GetAllPrompts()
	out := make([]promptView, 0, len(all))
	for _, p := range all {
		out = append(out, promptView{ServerID: p.ServerID, ServerName: p.ServerName, Prompt: p.Prompt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) listPush(w http.ResponseWriter, _ *http.Request) {
	pending := a.mgr.PendingServerRequests()
	out := make([]pushView, 0, len(pending))
	for _, p := range pending {
		out = append(out, newPushView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) respondPush(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	serverID, key := vars["serverId"], vars["requestId"]
	var in pushResponse
	if !decode(w, r, &in) {
		return
	}
	hasResult := len(in.Result) > 0 && string(in.Result) != "null"
	if hasResult == (in.Error != nil) {
		a.fail(w, badRequest(errors.New("exactly one of result or error is required")))
		return
	}
	pending, ok := a.mgr.PendingServerRequest(serverID, key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no pending request %s on server %s", key, serverID))
		return
	}

	var err error
	switch pending.Kind {
	case mcpmgr.PushSampling:
		var result *mcp.CreateMessageResult
		if hasResult {
			result = new(mcp.CreateMessageResult)
			if err := json.Unmarshal(in.Result, result); err != nil {
				a.fail(w, badRequest(fmt.Errorf("invalid sampling result: %w", err)))
				return
			}
		}
		err = a.mgr.RespondToSamplingRequest(r.Context(), serverID, pending.Sampling.ID, result, in.Error)
	case mcpmgr.PushElicitation:
		var result *mcp.ElicitResult
		if hasResult {
			result = new(mcp.ElicitResult)
			if err := json.Unmarshal(in.Result, result); err != nil {
				a.fail(w, badRequest(fmt.Errorf("invalid elicitation result: %w", err)))
				return
			}
		}
		err = a.mgr.RespondToElicitationRequest(r.Context(), serverID, pending.Elicitation.ID, result, in.Error)
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) chat(w http.ResponseWriter, r *http.Request) {
	if a.opts.Agent == nil {
		writeError(w, http.StatusNotImplemented, "no chat model configured")
		return
	}
	var in chatRequest
	if !decode(w, r, &in) {
		return
	}
	if len(in.Messages) == 0 {
		a.fail(w, badRequest(errors.New("messages are required")))
		return
	}
	res, err := a.opts.Agent.Run(r.Context(), in.Messages)
	if err != nil && !errors.Is(err, agent.ErrMaxIterations) {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Final:      res.Final,
		Messages:   res.Messages[len(in.Messages):],
		Iterations: res.Iterations,
		Incomplete: err != nil,
	})
}

type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return badRequestError{err: err} }

// statusFor maps manager errors onto HTTP status codes.
func statusFor(err error) int {
	var br badRequestError
	var httpErr *mcpmgr.HTTPStatusError
	switch {
	case errors.Is(err, mcpmgr.ErrServerNotFound):
		return http.StatusNotFound
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, mcpmgr.ErrAlreadyConnected),
		errors.Is(err, mcpmgr.ErrNotConnected),
		errors.Is(err, mcpmgr.ErrNoActiveServer):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, mcpmgr.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden):
		// Lets the UI start the OAuth flow.
		return httpErr.StatusCode
	default:
		return http.StatusBadGateway
	}
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Warn("api request failed", "status", status, "error", err)
	}
	body := map[string]any{"error": err.Error()}
	var rpcErr *mcpmgr.RPCError
	if errors.As(err, &rpcErr) {
		body["code"] = rpcErr.Code
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		msg := "invalid JSON body"
		if !errors.Is(err, io.EOF) {
			msg += ": " + strings.TrimPrefix(err.Error(), "json: ")
		}
		writeError(w, http.StatusBadRequest, msg)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
