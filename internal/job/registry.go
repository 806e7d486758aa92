package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrHandlerNotFound  = errors.New("handler not found")
	ErrDuplicateHandler = errors.New("duplicate handler")
)

// Handler performs the work of one job type. Run must observe ctx; a
// handler that ignores cancellation is abandoned when its deadline passes.
type Handler interface {
	Type() Type
	Run(ctx context.Context, j *ScheduledJob, p Payload) error
}

// PayloadValidator is implemented by handlers that add checks on top of the
// payload variant's own contract. It is consulted on create and edit only.
type PayloadValidator interface {
	ValidatePayload(p Payload) error
}

// HandlerFunc adapts a function to Handler for the given type.
func HandlerFunc(t Type, fn func(ctx context.Context, j *ScheduledJob, p Payload) error) Handler {
	return funcHandler{t: t, fn: fn}
}

type funcHandler struct {
	t  Type
	fn func(ctx context.Context, j *ScheduledJob, p Payload) error
}

func (h funcHandler) Type() Type { return h.t }
func (h funcHandler) Run(ctx context.Context, j *ScheduledJob, p Payload) error {
	return h.fn(ctx, j, p)
}

// Registry maps job types to handlers. Handlers are registered at startup.
type Registry struct {
	mu sync.RWMutex
	m  map[Type]Handler
}

func NewRegistry(hs ...Handler) (*Registry, error) {
	r := &Registry{m: map[Type]Handler{}}
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(h Handler) error {
	if h == nil || h.Type() == "" {
		return fmt.Errorf("register: %w: empty type", ErrUnknownType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[h.Type()]; ok {
		return fmt.Errorf("register %q: %w", h.Type(), ErrDuplicateHandler)
	}
	r.m[h.Type()] = h
	return nil
}

func (r *Registry) Lookup(t Type) (Handler, error) {
	r.mu.RLock()
	h, ok := r.m[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", t, ErrHandlerNotFound)
	}
	return h, nil
}

func (r *Registry) Types() []Type {
	r.mu.RLock()
	out := make([]Type, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidatePayload checks raw for job type t and returns the decoded payload
// together with its normalized JSON encoding. The type must be registered.
func (r *Registry) ValidatePayload(t Type, raw json.RawMessage) (Payload, json.RawMessage, error) {
	h, err := r.Lookup(t)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	p, err := DecodePayload(t, raw)
	if err != nil {
		return nil, nil, err
	}
	p = NormalizePayload(p)
	if v, ok := h.(PayloadValidator); ok {
		if err := v.ValidatePayload(p); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
		}
	}
	norm, err := EncodePayload(p)
	if err != nil {
		return nil, nil, err
	}
	return p, norm, nil
}
