package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/conveyor/pkg/deploy"
	"github.com/dukex/conveyor/pkg/models"
)

// MockDeployer is a mock implementation of deploy.Deployer interface.
type MockDeployer struct {
	mock.Mock
}

func (m *MockDeployer) CheckPreconditions(ctx context.Context, spec models.DeploySpec) (models.PreconditionReport, error) {
	args := m.Called(ctx, spec)

	return args.Get(0).(models.PreconditionReport), args.Error(1)
}

func (m *MockDeployer) Deploy(ctx context.Context, spec models.DeploySpec) (deploy.Result, error) {
	args := m.Called(ctx, spec)

	return args.Get(0).(deploy.Result), args.Error(1)
}
