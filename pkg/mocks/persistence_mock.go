package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// MockGraphRepository is a mock implementation of persistence.GraphRepository interface.
type MockGraphRepository struct {
	mock.Mock
}

func (m *MockGraphRepository) GetByID(ctx context.Context, id string) (*models.StageGraph, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StageGraph), args.Error(1)
}

func (m *MockGraphRepository) GetByName(ctx context.Context, projectID, name string) (*models.StageGraph, error) {
	args := m.Called(ctx, projectID, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StageGraph), args.Error(1)
}

func (m *MockGraphRepository) List(ctx context.Context, opts persistence.ListGraphsOptions) (*persistence.GraphListResult, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.GraphListResult), args.Error(1)
}

func (m *MockGraphRepository) Save(ctx context.Context, graph *models.StageGraph) error {
	args := m.Called(ctx, graph)

	return args.Error(0)
}

func (m *MockGraphRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockRecordRepository is a mock implementation of persistence.RecordRepository interface.
type MockRecordRepository struct {
	mock.Mock
}

func (m *MockRecordRepository) GetByID(ctx context.Context, id string) (*models.PipelineRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.PipelineRecord), args.Error(1)
}

func (m *MockRecordRepository) List(ctx context.Context, opts persistence.ListRecordsOptions) (*persistence.RecordListResult, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.RecordListResult), args.Error(1)
}

func (m *MockRecordRepository) Save(ctx context.Context, record *models.PipelineRecord) error {
	args := m.Called(ctx, record)

	return args.Error(0)
}

func (m *MockRecordRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockEnvironmentRepository is a mock implementation of persistence.EnvironmentRepository interface.
type MockEnvironmentRepository struct {
	mock.Mock
}

func (m *MockEnvironmentRepository) GetByID(ctx context.Context, id string) (*models.Environment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Environment), args.Error(1)
}

func (m *MockEnvironmentRepository) FindByRepository(ctx context.Context, repository, ref string) ([]*models.Environment, error) {
	args := m.Called(ctx, repository, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Environment), args.Error(1)
}

func (m *MockEnvironmentRepository) Save(ctx context.Context, environment *models.Environment) error {
	args := m.Called(ctx, environment)

	return args.Error(0)
}

func (m *MockEnvironmentRepository) Resources(ctx context.Context, environmentID string) ([]*models.EnvironmentResource, error) {
	args := m.Called(ctx, environmentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.EnvironmentResource), args.Error(1)
}

func (m *MockEnvironmentRepository) SaveResource(ctx context.Context, resource *models.EnvironmentResource) error {
	args := m.Called(ctx, resource)

	return args.Error(0)
}

func (m *MockEnvironmentRepository) DeleteResource(ctx context.Context, environmentID, path string) error {
	args := m.Called(ctx, environmentID, path)

	return args.Error(0)
}

// MockPushRepository is a mock implementation of persistence.PushRepository interface.
type MockPushRepository struct {
	mock.Mock
}

func (m *MockPushRepository) IsProcessed(ctx context.Context, repository, commit, environmentID string) (bool, error) {
	args := m.Called(ctx, repository, commit, environmentID)

	return args.Bool(0), args.Error(1)
}

func (m *MockPushRepository) MarkProcessed(ctx context.Context, push *models.ProcessedPush) error {
	args := m.Called(ctx, push)

	return args.Error(0)
}

func (m *MockPushRepository) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	args := m.Called(ctx, t)

	return args.Get(0).(int64), args.Error(1)
}

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	Graphs       *MockGraphRepository
	Records      *MockRecordRepository
	Environments *MockEnvironmentRepository
	Pushes       *MockPushRepository
}

// NewMockPersistence creates a new MockPersistence with all mock repositories.
func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Graphs:       &MockGraphRepository{},
		Records:      &MockRecordRepository{},
		Environments: &MockEnvironmentRepository{},
		Pushes:       &MockPushRepository{},
	}
}

func (m *MockPersistence) GraphRepository() persistence.GraphRepository {
	return m.Graphs
}

func (m *MockPersistence) RecordRepository() persistence.RecordRepository {
	return m.Records
}

func (m *MockPersistence) EnvironmentRepository() persistence.EnvironmentRepository {
	return m.Environments
}

func (m *MockPersistence) PushRepository() persistence.PushRepository {
	return m.Pushes
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
