// Package identity is the read-only contract with the external identity service: project membership and
// user lookup.
package identity

import (
	"context"
	"errors"

	"github.com/dukex/conveyor/pkg/models"
)

// ErrUserNotFound is returned when no user has the requested id.
var ErrUserNotFound = errors.New("user not found")

// Directory looks up principals.
type Directory interface {
	// QueryUsersEligibleForProject returns the owners and members of a project.
	QueryUsersEligibleForProject(ctx context.Context, projectID string) ([]models.Principal, error)
	QueryUserByID(ctx context.Context, id string) (models.Principal, error)
}

// ResolveCandidates expands candidate entries against the project's members: plain entries name users,
// "role:<code>" entries name every member with that role. The result keeps first-seen order without
// duplicates. Candidates that match nobody are returned in unmatched.
func ResolveCandidates(members []models.Principal, candidates []string) (resolved []models.Principal, unmatched []string) {
	seen := make(map[string]bool)

	for _, candidate := range candidates {
		matched := false

		for _, member := range members {
			if !models.IsCandidate([]string{candidate}, member) {
				continue
			}

			matched = true

			if !seen[member.ID] {
				seen[member.ID] = true
				resolved = append(resolved, member)
			}
		}

		if !matched {
			unmatched = append(unmatched, candidate)
		}
	}

	return resolved, unmatched
}
