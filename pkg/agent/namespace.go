package agent

import (
	"strings"
)

// NamespaceStrategy names server primitives for the model. Names must be
// deterministic for a serverID/name pair.
type NamespaceStrategy interface {
	ToolName(serverID, toolName string) string
	PromptName(serverID, promptName string) string
}

// ServerPrefixNamespace joins the server id and the native name with
// Separator ("__" by default). Characters outside [A-Za-z0-9_-] become "_"
// and the result is cut to MaxLength (64 by default) so the names pass the
// tool-name rules of common model APIs.
type ServerPrefixNamespace struct {
	Separator string
	MaxLength int
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

func (s ServerPrefixNamespace) maxLength() int {
	if s.MaxLength <= 0 {
		return 64
	}
	return s.MaxLength
}

func (s ServerPrefixNamespace) ToolName(serverID, toolName string) string {
	return s.decorate(serverID, toolName)
}

func (s ServerPrefixNamespace) PromptName(serverID, promptName string) string {
	return s.decorate(serverID, promptName)
}

func (s ServerPrefixNamespace) decorate(serverID, value string) string {
	name := sanitize(serverID) + s.separator() + sanitize(value)
	if limit := s.maxLength(); len(name) > limit {
		name = name[:limit]
	}
	return name
}

func sanitize(v string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, v)
}
