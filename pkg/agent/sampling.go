package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
)

// SamplingResponder is the part of mcpmgr.Manager the bridge answers
// through.
type SamplingResponder interface {
	RespondToSamplingRequest(ctx context.Context, serverID string, requestID jsonrpc.ID, result *mcp.CreateMessageResult, rpcErr *mcpmgr.RPCError) error
}

// SamplingOptions configures a SamplingBridge.
type SamplingOptions struct {
	// ModelName is used when the server sends no model hint.
	ModelName string
	// UseModelHints forwards the first model hint as ChatRequest.Model.
	UseModelHints bool
	// Timeout bounds one model call. Defaults to two minutes.
	Timeout time.Duration
	Logger  *slog.Logger
}

// SamplingBridge answers sampling/createMessage requests with a ChatModel.
// Register Handle with Manager.OnSampling.
type SamplingBridge struct {
	model     ChatModel
	responder SamplingResponder
	opts      SamplingOptions

	wg sync.WaitGroup
}

// NewSamplingBridge builds a bridge answering through responder.
func NewSamplingBridge(model ChatModel, responder SamplingResponder, opts *SamplingOptions) *SamplingBridge {
	var o SamplingOptions
	if opts != nil {
		o = *opts
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &SamplingBridge{model: model, responder: responder, opts: o}
}

// Handle is an mcpmgr.SamplingHandler. The model runs on its own goroutine
// so the transport read loop is never blocked; ctx is the session context
// and cancels the call when the server disconnects.
func (b *SamplingBridge) Handle(ctx context.Context, req *mcpmgr.SamplingRequest) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.answer(ctx, req)
	}()
}

// Wait blocks until every in-flight request has been answered.
func (b *SamplingBridge) Wait() { b.wg.Wait() }

func (b *SamplingBridge) answer(ctx context.Context, req *mcpmgr.SamplingRequest) {
	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	result, err := b.sample(callCtx, req.Params)
	var rpcErr *mcpmgr.RPCError
	if err != nil {
		b.opts.Logger.Warn("sampling failed", "server", req.ServerID, "error", err)
		rpcErr = &mcpmgr.RPCError{Code: mcpmgr.CodeInternalError, Message: err.Error()}
		result = nil
	}
	// The session context may be gone by now; the response still goes out
	// on a fresh one if the server is connected.
	sendCtx, cancelSend := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelSend()
	if err := b.responder.RespondToSamplingRequest(sendCtx, req.ServerID, req.ID, result, rpcErr); err != nil {
		b.opts.Logger.Warn("sampling response not delivered", "server", req.ServerID, "error", err)
	}
}

var errNoSamplingParams = errors.New("agent: sampling request without params")

func (b *SamplingBridge) sample(ctx context.Context, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error) {
	if params == nil {
		return nil, errNoSamplingParams
	}
	chat := ChatRequest{
		Model:         b.opts.ModelName,
		SystemPrompt:  params.SystemPrompt,
		MaxTokens:     int(params.MaxTokens),
		StopSequences: params.StopSequences,
	}
	if params.Temperature != 0 {
		t := params.Temperature
		chat.Temperature = &t
	}
	if b.opts.UseModelHints && params.ModelPreferences != nil {
		for _, hint := range params.ModelPreferences.Hints {
			if hint != nil && hint.Name != "" {
				chat.Model = hint.Name
				break
			}
		}
	}
	for _, sm := range params.Messages {
		if sm == nil {
			continue
		}
		role := RoleUser
		if sm.Role == "assistant" {
			role = RoleAssistant
		}
		chat.Messages = append(chat.Messages, Message{Role: role, Content: RenderContent(sm.Content)})
	}

	resp, err := b.model.Chat(ctx, chat)
	if err != nil {
		return nil, err
	}
	model := resp.Model
	if model == "" {
		model = chat.Model
	}
	stop := resp.StopReason
	if stop == "" {
		stop = "endTurn"
	}
	return &mcp.CreateMessageResult{
		Content:    &mcp.TextContent{Text: resp.Message.Content},
		Model:      model,
		Role:       "assistant",
		StopReason: stop,
	}, nil
}
