package llm

import (
	"fmt"
	"sync"
)

// Binding resolves a logical model id to a provider and its parameters.
type Binding struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
	// ContextTokens bounds the conversation context assembled for this
	// model.
	ContextTokens int
	// Fallback names another logical model tried when this one fails after
	// retries.
	Fallback string
}

// Registry holds providers by name and logical model bindings by id.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	bindings  map[string]Binding
	def       string
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		bindings:  make(map[string]Binding),
	}
}

// RegisterProvider adds a provider under its Name().
func (r *Registry) RegisterProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Bind maps a logical model id to a binding. The first binding becomes the
// default model.
func (r *Registry) Bind(modelID string, b Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[b.Provider]; !ok {
		return fmt.Errorf("model %q: unknown provider %q", modelID, b.Provider)
	}
	r.bindings[modelID] = b
	if r.def == "" {
		r.def = modelID
	}
	return nil
}

// SetDefault overrides the default logical model.
func (r *Registry) SetDefault(modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[modelID]; !ok {
		return fmt.Errorf("default model %q not bound", modelID)
	}
	r.def = modelID
	return nil
}

// DefaultModel returns the default logical model id.
func (r *Registry) DefaultModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Models lists every bound logical model id.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bindings))
	for id := range r.bindings {
		out = append(out, id)
	}
	return out
}

// Resolve maps a logical model id to its provider and binding. An empty id
// resolves to the default model.
func (r *Registry) Resolve(modelID string) (Provider, Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if modelID == "" {
		modelID = r.def
	}
	b, ok := r.bindings[modelID]
	if !ok {
		return nil, Binding{}, fmt.Errorf("model %q not bound", modelID)
	}
	p, ok := r.providers[b.Provider]
	if !ok {
		return nil, Binding{}, fmt.Errorf("model %q: provider %q not registered", modelID, b.Provider)
	}
	return p, b, nil
}
