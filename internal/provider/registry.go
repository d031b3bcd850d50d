package provider

import (
	"sync"
	"time"

	"github.com/soyeahso/tokengate/internal/config"
	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/logging"
)

// TestStatusConnected marks a model that passed its connectivity test.
// Requests against any other status are rejected before reservation.
const TestStatusConnected = "connected"

// ModelInfo is the resolved metadata for one model.
type ModelInfo struct {
	ID            string               `json:"id"`
	Provider      string               `json:"provider"`
	Capabilities  domain.CapabilitySet `json:"capabilities"`
	TestStatus    string               `json:"testStatus"`
	MaxTokens     int                  `json:"maxTokens,omitempty"`
	ContextWindow int                  `json:"contextWindow,omitempty"`
}

// Registry maps model identifiers to provider adapters. Model resolution
// is a closed dispatch: the adapter is selected once here, never
// re-branched per chunk.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter   // provider name → adapter
	models   map[string]ModelInfo // model id → metadata
	log      *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		models:   make(map[string]ModelInfo),
		log:      log.Sub("provider.registry"),
	}
}

// Register adds an adapter under the given provider name.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
	r.log.Info().Str("provider", name).Msg("registered provider adapter")
}

// AddModel records metadata for a model served by a registered provider.
func (r *Registry) AddModel(info ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[info.ID] = info
}

// Resolve returns the adapter and metadata for the given model, verifying
// the requested capability and connectivity status. All failures map to
// model_unavailable so nothing is reserved for an unserveable request.
func (r *Registry) Resolve(modelID string, c domain.Capability) (Adapter, ModelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.models[modelID]
	if !ok {
		return nil, ModelInfo{}, domain.NewFault(domain.FaultModelUnavailable, "unknown model "+modelID)
	}
	if info.TestStatus != TestStatusConnected {
		return nil, ModelInfo{}, domain.NewFault(domain.FaultModelUnavailable,
			"model "+modelID+" is not connected (status "+info.TestStatus+")")
	}
	if !info.Capabilities.Has(c) {
		return nil, ModelInfo{}, domain.NewFault(domain.FaultModelUnavailable,
			"model "+modelID+" does not support capability "+string(c))
	}

	adapter, ok := r.adapters[info.Provider]
	if !ok {
		return nil, ModelInfo{}, domain.NewFault(domain.FaultModelUnavailable,
			"no adapter for provider "+info.Provider)
	}
	if !adapter.Capabilities().Has(c) {
		return nil, ModelInfo{}, domain.NewFault(domain.FaultModelUnavailable,
			"provider "+info.Provider+" cannot serve capability "+string(c))
	}

	return adapter, info, nil
}

// Models returns metadata for all registered models.
func (r *Registry) Models() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelInfo, 0, len(r.models))
	for _, info := range r.models {
		out = append(out, info)
	}
	return out
}

// Providers returns all registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}

// NewRegistryFromConfig builds a Registry from provider configuration.
// Unknown provider names are skipped with a warning so a config typo does
// not take the whole service down.
func NewRegistryFromConfig(providers map[string]config.ProviderEntry, log *logging.Logger) *Registry {
	reg := NewRegistry(log)

	for name, entry := range providers {
		timeout := time.Duration(entry.TimeoutSeconds) * time.Second

		var adapter Adapter
		switch name {
		case "anthropic":
			adapter = NewAnthropicAdapter(entry.APIKey, entry.BaseURL, timeout)
		case "openai":
			adapter = NewOpenAIAdapter(entry.APIKey, entry.BaseURL, timeout)
		case "gemini":
			adapter = NewGeminiAdapter(entry.APIKey, entry.BaseURL, timeout)
		default:
			reg.log.Warn().Str("provider", name).Msg("unknown provider, skipping")
			continue
		}
		reg.Register(name, adapter)

		for _, m := range entry.Models {
			caps := make([]domain.Capability, 0, len(m.Capabilities))
			for _, c := range m.Capabilities {
				caps = append(caps, domain.Capability(c))
			}
			status := m.TestStatus
			if status == "" {
				status = "untested"
			}
			reg.AddModel(ModelInfo{
				ID:            m.ID,
				Provider:      name,
				Capabilities:  domain.NewCapabilitySet(caps...),
				TestStatus:    status,
				MaxTokens:     m.MaxTokens,
				ContextWindow: m.ContextWindow,
			})
		}
	}

	return reg
}
