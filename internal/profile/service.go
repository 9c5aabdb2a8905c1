package profile

import (
	"context"

	"github.com/geoexchange/pkigateway/internal/observability"
)

// Hook runs after a successful mutation. Hooks fire in registration order;
// hook failures are logged, never returned to the caller.
type Hook func(ctx context.Context)

// Service wraps the Store with validation and post-commit hooks so the
// pattern cache and adapter pool observe every profile or mapping change.
type Service struct {
	store     *Store
	validator *Validator
	hooks     []Hook
	logger    observability.Logger
}

// ServiceOption is a functional option for configuring the Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger for the service.
func WithServiceLogger(logger observability.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithValidator attaches a file validator; when set, profile writes are
// checked against the PKI directory before they commit.
func WithValidator(v *Validator) ServiceOption {
	return func(s *Service) {
		s.validator = v
	}
}

// NewService creates a mutation service over the store.
func NewService(store *Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnMutation registers a hook to run after every successful mutation.
// Registration order is execution order.
func (s *Service) OnMutation(h Hook) {
	s.hooks = append(s.hooks, h)
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) runHooks(ctx context.Context) {
	for _, h := range s.hooks {
		h(ctx)
	}
}

func (s *Service) validateFiles(p *Profile, keyPassword string) error {
	if s.validator == nil {
		return nil
	}
	warnings, err := s.validator.ValidateProfile(p, keyPassword)
	for _, w := range warnings {
		s.logger.Warn("profile validation warning",
			observability.String("profile", p.Name),
			observability.String("warning", w))
	}
	return err
}

// CreateProfile validates and inserts a profile, then notifies listeners.
// The ClientKeyPassword field carries the plaintext password on input.
func (s *Service) CreateProfile(ctx context.Context, p *Profile) (*Profile, error) {
	if err := s.validateFiles(p, p.ClientKeyPassword); err != nil {
		return nil, err
	}
	created, err := s.store.CreateProfile(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logger.Info("profile created",
		observability.Int64("id", created.ID),
		observability.String("name", created.Name))
	s.runHooks(ctx)
	return created, nil
}

// UpdateProfile validates and updates a profile, then notifies listeners.
func (s *Service) UpdateProfile(ctx context.Context, p *Profile) error {
	if err := s.validateFiles(p, p.ClientKeyPassword); err != nil {
		return err
	}
	if err := s.store.UpdateProfile(ctx, p); err != nil {
		return err
	}
	s.logger.Info("profile updated",
		observability.Int64("id", p.ID),
		observability.String("name", p.Name))
	s.runHooks(ctx)
	return nil
}

// DeleteProfile removes a profile, then notifies listeners. Mappings that
// referenced it are repointed to the default profile on their next lookup.
func (s *Service) DeleteProfile(ctx context.Context, id int64) error {
	if err := s.store.DeleteProfile(ctx, id); err != nil {
		return err
	}
	s.logger.Info("profile deleted", observability.Int64("id", id))
	s.runHooks(ctx)
	return nil
}

// CreateMapping inserts a mapping, then notifies listeners.
func (s *Service) CreateMapping(ctx context.Context, m *Mapping) error {
	if _, err := s.store.GetProfile(ctx, m.ProfileID); err != nil {
		return err
	}
	if err := s.store.CreateMapping(ctx, m); err != nil {
		return err
	}
	s.logger.Info("mapping created",
		observability.String("pattern", m.Pattern),
		observability.Int64("profile_id", m.ProfileID))
	s.runHooks(ctx)
	return nil
}

// UpdateMapping updates a mapping, then notifies listeners.
func (s *Service) UpdateMapping(ctx context.Context, m *Mapping) error {
	if _, err := s.store.GetProfile(ctx, m.ProfileID); err != nil {
		return err
	}
	if err := s.store.UpdateMapping(ctx, m); err != nil {
		return err
	}
	s.logger.Info("mapping updated", observability.String("pattern", m.Pattern))
	s.runHooks(ctx)
	return nil
}

// DeleteMapping removes a mapping, then notifies listeners.
func (s *Service) DeleteMapping(ctx context.Context, pattern string) error {
	if err := s.store.DeleteMapping(ctx, pattern); err != nil {
		return err
	}
	s.logger.Info("mapping deleted", observability.String("pattern", pattern))
	s.runHooks(ctx)
	return nil
}
