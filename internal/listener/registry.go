// Package listener implements the transactional message processing engine:
// handler registry, pluggable strategies, the per-message processor and the
// error orchestrator. The replication and polling packages feed messages
// into it.
package listener

import (
	"context"
	"fmt"

	"go.pgrelay.tech/internal/message"
	"go.pgrelay.tech/internal/store"
)

// HandleFunc processes one message. tx is enrolled in the listener's
// transaction; writes through it commit atomically with the message's state
// transition.
type HandleFunc func(ctx context.Context, msg *message.Message, tx store.DBTX) error

// HandleErrorFunc is the optional error hook. It runs inside the error
// orchestrator's transaction with the post-attempt counters already visible
// on msg. willRetry tells the hook whether the message will be retried or
// abandoned.
type HandleErrorFunc func(ctx context.Context, cause error, msg *message.Message, tx store.DBTX, willRetry bool) error

// Handler processes messages for one (aggregateType, messageType) pair.
type Handler struct {
	AggregateType string
	MessageType   string
	Handle        HandleFunc
	HandleError   HandleErrorFunc
}

// Registry maps (aggregateType, messageType) to a handler, or holds a single
// catch-all. Selection is a constant-time map lookup.
type Registry struct {
	handlers map[handlerKey]*Handler
	catchAll *Handler
}

type handlerKey struct {
	aggregateType string
	messageType   string
}

// NewRegistry builds a registry from typed handlers. The list must be
// non-empty and no two handlers may share an (aggregateType, messageType)
// pair.
func NewRegistry(handlers ...*Handler) (*Registry, error) {
	if len(handlers) == 0 {
		return nil, message.Errorf(message.ErrNoHandlerRegistered, nil,
			"listener: at least one message handler must be registered")
	}

	byKey := make(map[handlerKey]*Handler, len(handlers))
	for _, h := range handlers {
		if h.Handle == nil {
			return nil, message.Errorf(message.ErrNoHandlerRegistered, nil,
				"listener: handler for %s/%s has no handle function", h.AggregateType, h.MessageType)
		}
		key := handlerKey{aggregateType: h.AggregateType, messageType: h.MessageType}
		if _, exists := byKey[key]; exists {
			return nil, message.Errorf(message.ErrConflictingHandlers, nil,
				"listener: conflicting handlers for aggregate type %q and message type %q",
				h.AggregateType, h.MessageType)
		}
		byKey[key] = h
	}

	return &Registry{handlers: byKey}, nil
}

// NewCatchAllRegistry builds a registry with a single handler that receives
// every message regardless of its routing keys.
func NewCatchAllRegistry(handle HandleFunc, handleError HandleErrorFunc) (*Registry, error) {
	if handle == nil {
		return nil, message.Errorf(message.ErrNoHandlerRegistered, nil,
			"listener: catch-all handler must not be nil")
	}
	return &Registry{
		catchAll: &Handler{Handle: handle, HandleError: handleError},
	}, nil
}

// Select returns the handler for the message, or false when no handler
// matches. Unmatched messages are completed as no-ops by the processor so
// they do not block the stream.
func (r *Registry) Select(msg *message.Message) (*Handler, bool) {
	if r.catchAll != nil {
		return r.catchAll, true
	}
	h, ok := r.handlers[handlerKey{aggregateType: msg.AggregateType, messageType: msg.MessageType}]
	return h, ok
}

// Size returns the number of registered handlers (1 for a catch-all).
func (r *Registry) Size() int {
	if r.catchAll != nil {
		return 1
	}
	return len(r.handlers)
}

func (r *Registry) String() string {
	if r.catchAll != nil {
		return "catch-all"
	}
	return fmt.Sprintf("%d typed handlers", len(r.handlers))
}
