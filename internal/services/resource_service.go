package services

import (
	"context"
	"strings"

	"github.com/iac-studio/orchestrator/internal/provisioner"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"go.uber.org/zap"
)

const defaultGroupProvider = "azure"

// ProviderInfo describes one registered provider tag.
type ProviderInfo struct {
	Type      string   `json:"type"`
	Cloud     string   `json:"cloud"`
	Locations []string `json:"locations"`
}

// ResourceService exposes resource-group administration through a provider
// built from the registry. It never touches deployment records.
type ResourceService interface {
	Providers(ctx context.Context) ([]ProviderInfo, error)
	ListGroups(ctx context.Context, providerType string) ([]provisioner.ResourceGroup, error)
	CreateGroup(ctx context.Context, providerType, name, location string, tags map[string]string) (*provisioner.ResourceGroup, error)
	DeleteGroup(ctx context.Context, providerType, name string) error
	ListResources(ctx context.Context, providerType, group string) ([]provisioner.CloudResource, error)
}

type resourceService struct {
	registry *provisioner.Registry
	base     provisioner.ProviderConfig
}

// NewResourceService builds providers with base as their configuration;
// CloudPlatform is derived per tag.
func NewResourceService(registry *provisioner.Registry, base provisioner.ProviderConfig) ResourceService {
	return &resourceService{registry: registry, base: base}
}

var _ ResourceService = (*resourceService)(nil)

func (s *resourceService) provider(providerType string) (provisioner.Provider, error) {
	tag := provisioner.MapProviderType(strings.TrimSpace(providerType))
	if tag == "" {
		tag = defaultGroupProvider
	}
	cfg := s.base
	cloud := provisioner.CloudOf(tag, cfg)
	cfg.CloudPlatform = string(cloud)
	if cloud == provisioner.CloudGCP && cfg.ProjectID == "" {
		cfg.ProjectID = cfg.SubscriptionID
	}
	return s.registry.Create(tag, cfg)
}

// Providers lists every registered tag. Tags whose provider cannot be built
// in this process (missing binary, missing credentials) are still listed,
// without locations.
func (s *resourceService) Providers(_ context.Context) ([]ProviderInfo, error) {
	tags := s.registry.Available()
	out := make([]ProviderInfo, 0, len(tags))
	for _, tag := range tags {
		info := ProviderInfo{
			Type:      tag,
			Cloud:     string(provisioner.CloudOf(tag, s.base)),
			Locations: []string{},
		}
		if p, err := s.provider(tag); err == nil {
			info.Locations = p.SupportedLocations()
		} else {
			logger.L().Debug("provider unavailable", zap.String("provider_type", tag), zap.Error(err))
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *resourceService) ListGroups(ctx context.Context, providerType string) ([]provisioner.ResourceGroup, error) {
	p, err := s.provider(providerType)
	if err != nil {
		return nil, err
	}
	return p.ListGroups(ctx)
}

func (s *resourceService) CreateGroup(ctx context.Context, providerType, name, location string, tags map[string]string) (*provisioner.ResourceGroup, error) {
	if err := ValidateCloudFields("azure", name, nil); err != nil {
		return nil, err
	}
	if name == "" || location == "" {
		return nil, appErr.New(appErr.CodeInvalid, "name and location are required")
	}
	p, err := s.provider(providerType)
	if err != nil {
		return nil, err
	}
	g, err := p.CreateGroup(ctx, name, location, tags)
	if err != nil {
		return nil, err
	}
	logger.L().Info("resource group created", zap.String("name", name), zap.String("location", location))
	return g, nil
}

func (s *resourceService) DeleteGroup(ctx context.Context, providerType, name string) error {
	p, err := s.provider(providerType)
	if err != nil {
		return err
	}
	if err := p.DeleteGroup(ctx, name); err != nil {
		return err
	}
	logger.L().Info("resource group deletion started", zap.String("name", name))
	return nil
}

func (s *resourceService) ListResources(ctx context.Context, providerType, group string) ([]provisioner.CloudResource, error) {
	p, err := s.provider(providerType)
	if err != nil {
		return nil, err
	}
	return p.ListResources(ctx, group)
}
