package mcp

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/ensemble/pkg/schema"
)

// EventNotifier pushes execution lifecycle events to the MCP session that
// started the execution. It is an observability event sink, so it is built
// before the server and bound to it afterwards.
type EventNotifier struct {
	mu        sync.RWMutex
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewEventNotifier creates an unbound notifier. Events recorded before
// Bind are dropped.
func NewEventNotifier(sessions *SessionRegistry) *EventNotifier {
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	return &EventNotifier{sessions: sessions}
}

// Bind attaches the server used for delivery.
func (n *EventNotifier) Bind(srv *server.MCPServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mcpServer = srv
}

// Record delivers ev as a notifications/message to the owning session.
// Best-effort: an execution with no connected session is not an error.
func (n *EventNotifier) Record(ctx context.Context, ev schema.ExecutionEvent) error {
	if !strings.HasPrefix(ev.Type, "execution.") {
		return nil
	}
	n.mu.RLock()
	srv := n.mcpServer
	n.mu.RUnlock()
	if srv == nil {
		return nil
	}

	// Runs started through a tool call carry the session; later events
	// (expiry sweeps) find it through the registry.
	if session := server.ClientSessionFromContext(ctx); session != nil {
		n.sessions.Register(ev.ExecutionID, session.SessionID())
	}
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return nil
	}
	if isFinal(ev.Type) {
		defer n.sessions.Forget(ev.ExecutionID)
	}

	err := srv.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "ensemble",
		"data":   ev,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func isFinal(evType string) bool {
	switch evType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed,
		schema.EventExecutionRejected, schema.EventExecutionExpired:
		return true
	}
	return false
}
