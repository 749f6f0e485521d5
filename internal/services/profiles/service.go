package profiles

import (
	"context"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
	"govcheck/internal/services/analyses"
)

var _ ports.Profiles = (*Service)(nil)

type Service struct {
	runs ports.ProfileRepository
}

func New(runs ports.ProfileRepository) *Service { return &Service{runs: runs} }

// GetLatest returns the most recent completed run for the registrable domain
// of host. Hostnames are reduced to their eTLD+1 first.
func (s *Service) GetLatest(ctx context.Context, host string) (domain.Run, error) {
	run, exists, err := s.runs.LatestCompletedByDomain(ctx, analyses.RegistrableDomain(host))
	if err != nil {
		return domain.Run{}, err
	}
	if !exists {
		return domain.Run{}, ports.ErrNotFound
	}
	return run, nil
}

