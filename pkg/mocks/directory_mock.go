package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/conveyor/pkg/models"
)

// MockDirectory is a mock implementation of identity.Directory interface.
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) QueryUsersEligibleForProject(ctx context.Context, projectID string) ([]models.Principal, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.Principal), args.Error(1)
}

func (m *MockDirectory) QueryUserByID(ctx context.Context, id string) (models.Principal, error) {
	args := m.Called(ctx, id)

	return args.Get(0).(models.Principal), args.Error(1)
}
