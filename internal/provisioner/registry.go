package provisioner

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a provider for one resolved configuration.
type Factory func(cfg ProviderConfig) (Provider, error)

// Registry maps provider-type tags to factories. Build one at startup and
// pass it to whatever needs providers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds tag to f, replacing any earlier binding.
func (r *Registry) Register(tag string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(tag)] = f
}

func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(tag)]
	return ok
}

// Available returns the registered tags, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Create builds the provider registered under tag. Every error it returns
// is a configuration Failure.
func (r *Registry) Create(tag string, cfg ProviderConfig) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(tag)]
	r.mu.RUnlock()
	if !ok {
		return nil, Configuration(tag, "Unsupported provider type: '%s'. Available providers: %s",
			tag, strings.Join(r.Available(), ", "))
	}

	p, err := f(cfg)
	if err != nil {
		if fl, ok := AsFailure(err); ok {
			return nil, fl
		}
		return nil, &Failure{
			Kind:     KindConfiguration,
			Provider: tag,
			Message:  fmt.Sprintf("Failed to initialize %s provider: %v", tag, err),
			Err:      err,
		}
	}
	return p, nil
}

// MapProviderType resolves a caller-facing tag to the backend tag the
// registry is keyed on. Unknown tags pass through unchanged.
func MapProviderType(tag string) string {
	switch strings.ToLower(tag) {
	case "bicep", "arm":
		return "azure"
	case "gcp":
		return "terraform-gcp"
	default:
		return strings.ToLower(tag)
	}
}

// CloudOf derives the target cloud from a backend tag, consulting the
// configured platform for the cloud-neutral "terraform" tag.
func CloudOf(tag string, cfg ProviderConfig) Cloud {
	switch strings.ToLower(tag) {
	case "azure", "terraform-azure", "bicep", "arm":
		return CloudAzure
	case "gcp", "terraform-gcp":
		return CloudGCP
	}
	if strings.EqualFold(cfg.CloudPlatform, string(CloudGCP)) {
		return CloudGCP
	}
	return CloudAzure
}
