package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CherryPod/sentinel-sub001/pkg/models"
)

func testPlan() *models.Plan {
	return &models.Plan{
		PlanSummary: "write a file",
		Steps:       []models.PlanStep{{ID: "s1", Type: models.StepTypeToolCall, Tool: "file_write"}},
	}
}

func TestApprovalLifecycle(t *testing.T) {
	m := NewManager(nil, time.Minute, nil)

	id := m.Request(testPlan(), "http:1.2.3.4", "write hello.txt")
	require.NotEmpty(t, id)
	assert.False(t, m.IsApproved(id))

	p := m.GetPending(id)
	require.NotNil(t, p)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "write a file", p.Plan.PlanSummary)

	require.True(t, m.Submit(id, true, "looks fine"))
	assert.True(t, m.IsApproved(id))
	assert.Equal(t, StatusApproved, m.GetPending(id).Status)
}

func TestDenial(t *testing.T) {
	m := NewManager(nil, time.Minute, nil)
	id := m.Request(testPlan(), "sk", "req")

	require.True(t, m.Submit(id, false, "too risky"))
	assert.False(t, m.IsApproved(id))

	p := m.GetPending(id)
	assert.Equal(t, StatusDenied, p.Status)
	assert.Equal(t, "too risky", p.Reason)
}

func TestAcceptOnce(t *testing.T) {
	m := NewManager(nil, time.Minute, nil)
	id := m.Request(testPlan(), "sk", "req")

	require.True(t, m.Submit(id, false, "no"))
	assert.False(t, m.Submit(id, true, "changed my mind"), "decisions are final")
	assert.False(t, m.IsApproved(id))
}

func TestExpiry(t *testing.T) {
	m := NewManager(nil, time.Millisecond, nil)
	id := m.Request(testPlan(), "sk", "req")

	time.Sleep(5 * time.Millisecond)

	assert.False(t, m.Submit(id, true, ""), "expired approvals reject decisions")
	assert.Equal(t, StatusExpired, m.GetPending(id).Status)
	assert.False(t, m.IsApproved(id))
}

func TestUnknownID(t *testing.T) {
	m := NewManager(nil, time.Minute, nil)
	assert.False(t, m.Submit("nope", true, ""))
	assert.False(t, m.IsApproved("nope"))
	assert.Nil(t, m.GetPending("nope"))
}

func TestGetPendingReturnsCopy(t *testing.T) {
	m := NewManager(nil, time.Minute, nil)
	id := m.Request(testPlan(), "sk", "req")

	p := m.GetPending(id)
	p.Status = StatusApproved

	assert.False(t, m.IsApproved(id), "mutating the copy does not change the store")
}
