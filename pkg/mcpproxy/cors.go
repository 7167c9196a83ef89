package mcpproxy

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
)

// WithCORS wraps h so browsers on allowedOrigins can call the proxy and read
// the upstream session id. An empty list allows every origin.
func WithCORS(allowedOrigins []string, h http.Handler) http.Handler {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"Mcp-Protocol-Version",
			mcpmgr.SessionIDHeader,
			mcpmgr.HeaderServerURL,
			mcpmgr.HeaderCustomHeaders,
			mcpmgr.HeaderSessionID,
		},
		ExposedHeaders:   []string{mcpmgr.SessionIDHeader},
		AllowCredentials: len(allowedOrigins) > 0,
	})
	return c.Handler(h)
}
