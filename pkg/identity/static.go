package identity

import (
	"context"
	"slices"
	"sync"

	"github.com/dukex/conveyor/pkg/models"
)

// Static is an in-memory Directory for tests and single-node setups.
type Static struct {
	mu       sync.RWMutex
	users    map[string]models.Principal
	projects map[string][]string
}

// NewStatic creates an empty directory.
func NewStatic() *Static {
	return &Static{
		users:    make(map[string]models.Principal),
		projects: make(map[string][]string),
	}
}

// AddMember registers principal as a member of projectID.
func (s *Static) AddMember(projectID string, principal models.Principal) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[principal.ID] = principal

	if !slices.Contains(s.projects[projectID], principal.ID) {
		s.projects[projectID] = append(s.projects[projectID], principal.ID)
	}

	return s
}

func (s *Static) QueryUsersEligibleForProject(_ context.Context, projectID string) ([]models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]models.Principal, 0, len(s.projects[projectID]))

	for _, id := range s.projects[projectID] {
		if user := s.users[id]; user.Enabled {
			members = append(members, user)
		}
	}

	return members, nil
}

func (s *Static) QueryUserByID(_ context.Context, id string) (models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return models.Principal{}, ErrUserNotFound
	}

	return user, nil
}
