package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yairfalse/stackline/types"
)

// CloudProvider is the boundary to the cloud API. Every call is a blocking
// round trip; implementations must report missing resources as ErrNotFound
// and name collisions as ErrAlreadyExists.
type CloudProvider interface {
	// Provider info
	Name() string
	Region() string

	// Create creates one node and returns its identifier. Tags are applied
	// atomically with the create call where the API allows it. A non-empty
	// identifier returned with an error names a node that exists anyway.
	Create(ctx context.Context, req types.CreateRequest) (string, error)

	// Configure applies the settings that follow creation. It must be safe
	// to repeat, and it runs on reused nodes as well as new ones.
	Configure(ctx context.Context, req types.CreateRequest, id string) error

	// Lookup resolves the identifier of a uniquely named node.
	Lookup(ctx context.Context, nodeType types.NodeType, name string) (string, error)

	// Tags returns the live tags of a node.
	Tags(ctx context.Context, nodeType types.NodeType, id string) (types.Tags, error)

	// Delete removes a node, including detaching it from its dependencies.
	Delete(ctx context.Context, nodeType types.NodeType, id string) error

	// FindByTag returns the nodes carrying key=value, uniquely named ones
	// included.
	FindByTag(ctx context.Context, key, value string) ([]types.TaggedResource, error)

	// ListSecrets returns the secret parameter names under prefix.
	ListSecrets(ctx context.Context, prefix string) ([]string, error)

	// Wait polls until the node reaches state.
	Wait(ctx context.Context, nodeType types.NodeType, id string, state types.WaitState) error

	// DeleteCommand renders a manual cleanup command for an operator.
	DeleteCommand(nodeType types.NodeType, id string) string
}

// ProviderConfig holds provider configuration
type ProviderConfig struct {
	Region  string
	Profile string
}

// ProviderFactory creates a provider instance
type ProviderFactory func(ctx context.Context, config ProviderConfig) (CloudProvider, error)

var (
	providers = make(map[string]ProviderFactory)
	mu        sync.RWMutex
)

// RegisterProvider registers a new provider factory
func RegisterProvider(name string, factory ProviderFactory) {
	mu.Lock()
	defer mu.Unlock()
	providers[name] = factory
}

// GetProvider creates a provider instance by name
func GetProvider(ctx context.Context, name string, config ProviderConfig) (CloudProvider, error) {
	mu.RLock()
	factory, exists := providers[name]
	mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return factory(ctx, config)
}

// ListProviders returns available provider names
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
