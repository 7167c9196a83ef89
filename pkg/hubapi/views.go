package hubapi

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/agent"
	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
)

type serverView struct {
	ID             string                  `json:"id"`
	URL            string                  `json:"url"`
	Name           string                  `json:"name"`
	Status         mcpmgr.ConnectionStatus `json:"status"`
	Transport      mcpmgr.TransportKind    `json:"transport"`
	Error          string                  `json:"error,omitempty"`
	ServerInfo     *mcpmgr.ServerInfo      `json:"serverInfo,omitempty"`
	Capabilities   []string                `json:"capabilities"`
	Tools          []*mcp.Tool             `json:"tools"`
	Resources      []*mcp.Resource         `json:"resources"`
	Prompts        []*mcp.Prompt           `json:"prompts"`
	HasCredentials bool                    `json:"hasCredentials"`
	HeaderNames    []string                `json:"headerNames,omitempty"`
	Active         bool                    `json:"active"`
}

func newServerView(rec mcpmgr.ServerRecord, active string) serverView {
	v := serverView{
		ID:             rec.ID,
		URL:            rec.URL,
		Name:           rec.Name,
		Status:         rec.Status,
		Transport:      rec.Transport,
		Error:          rec.Error,
		ServerInfo:     rec.ServerInfo,
		Capabilities:   rec.Capabilities.Keys(),
		Tools:          rec.Tools,
		Resources:      rec.Resources,
		Prompts:        rec.Prompts,
		HasCredentials: rec.Credentials != nil && rec.Credentials.AccessToken != "",
		Active:         rec.ID == active,
	}
	if v.Capabilities == nil {
		v.Capabilities = []string{}
	}
	if v.Tools == nil {
		v.Tools = []*mcp.Tool{}
	}
	if v.Resources == nil {
		v.Resources = []*mcp.Resource{}
	}
	if v.Prompts == nil {
		v.Prompts = []*mcp.Prompt{}
	}
	for name := range rec.Headers {
		v.HeaderNames = append(v.HeaderNames, name)
	}
	slices.Sort(v.HeaderNames)
	return v
}

type addServerRequest struct {
	URL         string              `json:"url"`
	Name        string              `json:"name,omitempty"`
	Transport   string              `json:"transport,omitempty"`
	Headers     map[string]string   `json:"headers,omitempty"`
	Credentials *mcpmgr.Credentials `json:"credentials,omitempty"`
	// Connect dials the server right after adding it.
	Connect bool `json:"connect,omitempty"`
}

type patchServerRequest struct {
	Name             *string             `json:"name,omitempty"`
	Headers          map[string]string   `json:"headers,omitempty"`
	Credentials      *mcpmgr.Credentials `json:"credentials,omitempty"`
	ClearCredentials bool                `json:"clearCredentials,omitempty"`
}

type connectRequest struct {
	Credentials *mcpmgr.Credentials `json:"credentials,omitempty"`
}

type toolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type readResourceRequest struct {
	URI string `json:"uri"`
}

type getPromptRequest struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

type toolView struct {
	ServerID   string    `json:"serverId"`
	ServerName string    `json:"serverName"`
	Tool       *mcp.Tool `json:"tool"`
}

type resourceView struct {
	ServerID   string        `json:"serverId"`
	ServerName string        `json:"serverName"`
	Resource   *mcp.Resource `json:"resource"`
}

type promptView struct {
	ServerID   string      `json:"serverId"`
	ServerName string      `json:"serverName"`
	Prompt     *mcp.Prompt `json:"prompt"`
}

type pushView struct {
	ServerID   string          `json:"serverId"`
	ServerName string          `json:"serverName"`
	RequestID  string          `json:"requestId"`
	Kind       mcpmgr.PushKind `json:"kind"`
	Params     json.RawMessage `json:"params"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

func newPushView(p mcpmgr.PendingServerRequest) pushView {
	v := pushView{RequestID: p.Key, Kind: p.Kind}
	switch {
	case p.Sampling != nil:
		v.ServerID, v.ServerName = p.Sampling.ServerID, p.Sampling.ServerName
		v.Params, v.ReceivedAt = p.Sampling.RawParams, p.Sampling.ReceivedAt
	case p.Elicitation != nil:
		v.ServerID, v.ServerName = p.Elicitation.ServerID, p.Elicitation.ServerName
		v.Params, v.ReceivedAt = p.Elicitation.RawParams, p.Elicitation.ReceivedAt
	}
	return v
}

// pushResponse answers a pending request with exactly one of Result or
// Error. Result is decoded as a sampling or elicitation result depending on
// the pending request.
type pushResponse struct {
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *mcpmgr.RPCError `json:"error,omitempty"`
}

type chatRequest struct {
	Messages []agent.Message `json:"messages"`
}

type chatResponse struct {
	Final      agent.Message   `json:"final"`
	Messages   []agent.Message `json:"messages"`
	Iterations int             `json:"iterations"`
	Incomplete bool            `json:"incomplete,omitempty"`
}
