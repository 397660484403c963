package sync

import (
	"fmt"
	"sort"
)

// Entity types the engine ships with. Each type is a plugin behind the
// Handler interface; the processor and pull engine never branch on the
// concrete type.
const (
	TypeContact = "contact"
	TypeDeal    = "deal"
	TypeNote    = "note"
)

// Handler describes one syncable entity type.
type Handler interface {
	Type() string
	// Fields lists the payload fields that participate in sync.
	Fields() []string
	// FieldLWW reports whether conflicts resolve per field rather than
	// whole-record.
	FieldLWW() bool
	// Validate checks an incoming payload. partial is true for update
	// intents, where only a subset of fields may be present.
	Validate(payload map[string]any, partial bool) error
	// Serialize shapes a stored payload for the changefeed.
	Serialize(payload map[string]any) map[string]any
}

// Registry maps entity-type names to handlers. It is built once at
// startup and immutable afterwards; tests inject their own instance.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from the given handlers. A later handler
// for the same type wins.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Type()] = h
	}
	return r
}

// DefaultRegistry returns the production entity set. Contacts and deals
// opt into field-level LWW; notes resolve whole-record.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&entityHandler{
			name:     TypeContact,
			fields:   []string{"name", "email", "phone", "company", "notes"},
			required: []string{"name"},
			fieldLWW: true,
		},
		&entityHandler{
			name:     TypeDeal,
			fields:   []string{"title", "stage", "amount", "contact_id", "close_date"},
			required: []string{"title"},
			fieldLWW: true,
		},
		&entityHandler{
			name:     TypeNote,
			fields:   []string{"body", "pinned"},
			required: []string{"body"},
			fieldLWW: false,
		},
	)
}

// Handler resolves an entity type or fails with ErrUnknownEntityType.
func (r *Registry) Handler(entityType string) (Handler, error) {
	h, ok := r.handlers[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return h, nil
}

// FieldLWWTypes lists the entity types using field-level resolution,
// sorted for stable output.
func (r *Registry) FieldLWWTypes() []string {
	var types []string
	for name, h := range r.handlers {
		if h.FieldLWW() {
			types = append(types, name)
		}
	}
	sort.Strings(types)
	return types
}

// Types lists all registered entity types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

type entityHandler struct {
	name     string
	fields   []string
	required []string
	fieldLWW bool
}

func (h *entityHandler) Type() string     { return h.name }
func (h *entityHandler) Fields() []string { return h.fields }
func (h *entityHandler) FieldLWW() bool   { return h.fieldLWW }

func (h *entityHandler) Validate(payload map[string]any, partial bool) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	allowed := make(map[string]struct{}, len(h.fields))
	for _, f := range h.fields {
		allowed[f] = struct{}{}
	}
	for key := range payload {
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("unknown field %q for entity type %q", key, h.name)
		}
	}
	if partial {
		return nil
	}
	for _, req := range h.required {
		value, ok := payload[req]
		if !ok || value == nil || value == "" {
			return fmt.Errorf("missing required field %q for entity type %q", req, h.name)
		}
	}
	return nil
}

func (h *entityHandler) Serialize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = value
	}
	return out
}
