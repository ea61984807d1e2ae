package models

import (
	"slices"
	"strings"
)

// RolePrefix marks a candidate principal that names a project role instead of a user.
const RolePrefix = "role:"

// Principal is a user as seen by the identity service.
type Principal struct {
	ID        string   `json:"id"`
	LoginName string   `json:"login_name"`
	RealName  string   `json:"real_name,omitempty"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Enabled   bool     `json:"enabled"`
}

// HasRole reports whether the principal holds the role code.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// CandidateRole returns the role code when candidate has the role prefix.
func CandidateRole(candidate string) (string, bool) {
	if !strings.HasPrefix(candidate, RolePrefix) {
		return "", false
	}

	role := strings.TrimPrefix(candidate, RolePrefix)

	return role, role != ""
}

// IsCandidate reports whether the principal is named directly or through one of its roles.
func IsCandidate(candidates []string, principal Principal) bool {
	for _, candidate := range candidates {
		if strings.HasPrefix(candidate, RolePrefix) {
			if role, ok := CandidateRole(candidate); ok && principal.HasRole(role) {
				return true
			}

			continue
		}

		if candidate == principal.ID {
			return true
		}
	}

	return false
}
