package team

import "context"

// ProfileReader abstracts repository operations for the service.
type ProfileReader interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
}

// Service exposes business-level team operations.
type Service struct {
	repo ProfileReader
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the team profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// Exists reports whether the team is present in the directory. Envelope
// preparation runs this check before accepting a new envelope so
// orphaned envelopes cannot reference a team that was never provisioned.
func (s *Service) Exists(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	_, err := s.repo.GetByID(ctx, id)
	return err
}

// List returns up to limit team profiles.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}
