// Package mcpmgr keeps concurrent Model Context Protocol (MCP) sessions
// against several independent servers and bridges their JSON-RPC traffic
// through a same-origin transport proxy.
//
// # Core entry points
//
//   - Manager owns one ServerRecord per added server. AddServer registers a
//     server without touching the network, ConnectServer runs the
//     initialize handshake and capability-gated discovery, and
//     DisconnectServer / RemoveServer tear sessions down.
//   - Two transports sit behind one request/response abstraction: SSE
//     (an event stream plus a negotiated message endpoint) and Streamable
//     HTTP (one POST per message, answered with JSON or an event stream).
//     The transport is detected from the URL (a path ending in /sse means
//     SSE) unless fixed with AddServerOptions.Transport.
//   - SendRequest correlates responses by id with a timeout; CallTool,
//     ReadResource and GetPrompt are typed wrappers over it.
//   - Server-initiated sampling and elicitation requests reach the handlers
//     set with OnSampling / OnElicitation and are answered with
//     RespondToSamplingRequest / RespondToElicitationRequest.
//   - A Store persists the server list on every change; Restore loads it
//     and reconnects previously connected servers once.
//
// Requests other than sampling/createMessage and elicitation/create that a
// server sends to the client are logged and never answered.
package mcpmgr
