package service

import (
	"context"

	"github.com/clipvault/coordinator/internal/model"
	"github.com/clipvault/coordinator/internal/registry"
)

// RegistryService exposes service registration and listing to the API layer
type RegistryService struct {
	registry *registry.Registry
}

// NewRegistryService creates a registry service
func NewRegistryService(reg *registry.Registry) *RegistryService {
	return &RegistryService{registry: reg}
}

// Register upserts a service registration (idempotent on service name)
func (s *RegistryService) Register(ctx context.Context, req *model.ServiceRegisterRequest) (*model.ServiceRegistration, error) {
	reg := s.registry.Register(req)
	return &reg, nil
}

// List returns all known service registrations
func (s *RegistryService) List(ctx context.Context) (*model.ServiceListResponse, error) {
	return &model.ServiceListResponse{Services: s.registry.List()}, nil
}
