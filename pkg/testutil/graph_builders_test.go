package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conveyor/pkg/models"
)

func TestCreateTestGraph(t *testing.T) {
	graph := CreateTestGraph()

	require.NoError(t, graph.Validate())
	assert.NotEmpty(t, graph.ID)
	assert.True(t, graph.Enabled)
	assert.Equal(t, 10, graph.Stages[0].SequenceNo)
}

func TestCreateTestGraph_Overrides(t *testing.T) {
	pinned := AuditStage("bob")
	pinned.SequenceNo = 25

	graph := CreateTestGraph(
		WithID("g1"),
		WithProject("p2"),
		WithName("hotfix"),
		WithEnabled(false),
		WithStages(DeployStage("staging"), pinned, NotifyStage("done")),
	)

	require.NoError(t, graph.Validate())
	assert.Equal(t, "g1", graph.ID)
	assert.Equal(t, "p2", graph.ProjectID)
	assert.Equal(t, "hotfix", graph.Name)
	assert.False(t, graph.Enabled)

	var sequence []int
	for _, stage := range graph.Stages {
		sequence = append(sequence, stage.SequenceNo)
	}

	assert.Equal(t, []int{10, 25, 30}, sequence)
	assert.Equal(t, models.TaskTypeAutoDeploy, graph.Stages[0].TaskType)
	assert.Equal(t, "staging", graph.Stages[0].Deploy.EnvironmentID)
}
