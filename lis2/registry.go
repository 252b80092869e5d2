package lis2

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/labcomm/go-astm/astm"
	"github.com/labcomm/go-astm/e1381"
	"github.com/labcomm/go-astm/logger"
)

// Handler processes one record of a received message. The full message is
// passed alongside so a handler can read context records (for example the
// patient a result belongs to).
type Handler func(rec astm.Record, msg astm.Message) error

// Registry routes the records of received messages to handlers keyed by
// record type. It is safe for concurrent registration and dispatch.
type Registry struct {
	handlers  *xsync.MapOf[RecordType, Handler]
	fallback  Handler
	validator Validator
	logger    logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: xsync.NewMapOf[RecordType, Handler](),
		logger:   logger.GetLogger(),
	}
}

// Handle registers a handler for the given record type, replacing any
// previous one.
func (r *Registry) Handle(typ RecordType, h Handler) *Registry {
	r.handlers.Store(typ, h)

	return r
}

// SetFallback registers a handler for record types without a specific
// handler. Without a fallback such records are skipped.
//
// Call before dispatching begins; the fallback is not synchronized.
func (r *Registry) SetFallback(h Handler) *Registry {
	r.fallback = h

	return r
}

// SetValidator registers a message validator run before any record handler.
// A validation error fails the whole dispatch.
//
// Call before dispatching begins; the validator is not synchronized.
func (r *Registry) SetValidator(v Validator) *Registry {
	r.validator = v

	return r
}

// SetLogger replaces the registry's logger.
func (r *Registry) SetLogger(l logger.Logger) *Registry {
	if l != nil {
		r.logger = l
	}

	return r
}

// Dispatch routes every record of msg to its handler in message order.
// It stops at the first handler error.
func (r *Registry) Dispatch(msg astm.Message) error {
	if r.validator != nil {
		if err := r.validator(msg); err != nil {
			return err
		}
	}

	for _, rec := range msg {
		typ := RecordType(rec.Type())

		handler, ok := r.handlers.Load(typ)
		if !ok {
			handler = r.fallback
		}
		if handler == nil {
			continue
		}

		if err := handler(rec, msg); err != nil {
			return fmt.Errorf("lis2: %s handler: %w", typ, err)
		}
	}

	return nil
}

// MessageHandler adapts the registry onto an e1381 connection. Dispatch
// errors are logged; they cannot influence the already-acknowledged
// transaction.
func (r *Registry) MessageHandler() e1381.MessageHandler {
	return func(msg astm.Message, _ *e1381.Connection) {
		if err := r.Dispatch(msg); err != nil {
			r.logger.Error("record dispatch failed", "error", err)
		}
	}
}
