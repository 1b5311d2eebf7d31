package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sifttest "github.com/teranos/sift/internal/testing"
	"github.com/teranos/sift/pulse"
)

func newTestQueue(t *testing.T) *pulse.Queue {
	t.Helper()
	return pulse.NewQueue(sifttest.CreateTestDB(t))
}

func TestEnqueueAssignCollapsesActiveDuplicates(t *testing.T) {
	queue := newTestQueue(t)
	in := testInput("t1", "checkout page times out", 0.6)

	first, err := EnqueueAssign(queue, in)
	require.NoError(t, err)
	assert.Equal(t, AssignHandlerName, first.HandlerName)
	assert.Equal(t, in.SourceKey(), first.Source)

	second, err := EnqueueAssign(queue, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "active duplicate must collapse into the existing job")

	var payload AssignPayload
	require.NoError(t, json.Unmarshal(first.Payload, &payload))
	assert.Equal(t, in.Description, payload.Input.Description)
}

func TestEnqueueAssignRejectsInvalidInput(t *testing.T) {
	queue := newTestQueue(t)

	_, err := EnqueueAssign(queue, testInput("t1", "", 0.5))
	require.Error(t, err)
}

func TestEnqueueFinalizeIdempotentWhileActive(t *testing.T) {
	queue := newTestQueue(t)

	first, err := EnqueueFinalize(queue, "acme", "rpt_1", "parent-job")
	require.NoError(t, err)
	assert.Equal(t, FinalizeHandlerName, first.HandlerName)
	assert.Equal(t, "parent-job", first.ParentJobID)

	second, err := EnqueueFinalize(queue, "acme", "rpt_1", "other-parent")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A run for another report is a distinct job
	other, err := EnqueueFinalize(queue, "acme", "rpt_2", "parent-job")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestEnqueueFinalizeAllowsRerunAfterCompletion(t *testing.T) {
	queue := newTestQueue(t)

	first, err := EnqueueFinalize(queue, "acme", "rpt_1", "")
	require.NoError(t, err)

	claimed, err := queue.Dequeue()
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)
	require.NoError(t, queue.CompleteJob(claimed.ID))

	again, err := EnqueueFinalize(queue, "acme", "rpt_1", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID, "completed runs must not block a new run")
}

func TestFinalizeHandlerFailsOnBadPayload(t *testing.T) {
	queue := newTestQueue(t)
	h := NewFinalizeHandler(nil, queue, zap.NewNop().Sugar())

	job, err := pulse.NewJob(FinalizeHandlerName, "acme/rpt_1", []byte("not json"))
	require.NoError(t, err)

	err = h.Execute(context.Background(), job)
	require.Error(t, err)
}
