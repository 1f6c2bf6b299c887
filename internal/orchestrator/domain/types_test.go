package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestStatus(t *testing.T) {
	tests := map[string]struct {
		status         RequestStatus
		active         bool
		terminal       bool
		requiresServer bool
	}{
		"queued":     {status: Queued, active: true},
		"scheduling": {status: Scheduling, active: true, requiresServer: true},
		"processing": {status: Processing, active: true, requiresServer: true},
		"failed":     {status: Failed, terminal: true},
		"completed":  {status: Completed, terminal: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.active, tc.status.IsActive())
			assert.Equal(t, tc.terminal, tc.status.IsTerminal())
			assert.Equal(t, tc.requiresServer, tc.status.RequiresServer())
			assert.True(t, tc.status.Valid())
		})
	}
	assert.False(t, RequestStatus("RUNNING").Valid())
}

func TestWorkRequest_HasConsistentOwnership(t *testing.T) {
	server := "server-1"
	assert.True(t, (&WorkRequest{RequestStatus: Queued}).HasConsistentOwnership())
	assert.False(t, (&WorkRequest{RequestStatus: Queued, ServerId: &server}).HasConsistentOwnership())
	assert.True(t, (&WorkRequest{RequestStatus: Processing, ServerId: &server}).HasConsistentOwnership())
	assert.False(t, (&WorkRequest{RequestStatus: Scheduling}).HasConsistentOwnership())
	assert.True(t, (&WorkRequest{RequestStatus: Completed}).HasConsistentOwnership())
}

func TestWorkRequest_DeepCopy(t *testing.T) {
	server := "server-1"
	now := time.Now()
	original := &WorkRequest{
		Id:             1,
		RequestPayload: RequestPayload{Entries: []string{"a"}},
		ServerId:       &server,
		ClaimTimestamp: &now,
	}

	c := original.DeepCopy()
	c.RequestPayload.Entries[0] = "changed"
	*c.ServerId = "server-2"
	*c.ClaimTimestamp = now.Add(time.Hour)

	assert.Equal(t, "a", original.RequestPayload.Entries[0])
	assert.Equal(t, "server-1", *original.ServerId)
	assert.Equal(t, now, *original.ClaimTimestamp)
}

func TestWorkRequest_JobInputs(t *testing.T) {
	r := &WorkRequest{RequestPayload: RequestPayload{Entries: []string{"a", "b"}}}
	assert.Equal(t, []string{"a", "b"}, r.JobInputs())

	r.NonCachedInputs = []string{"b"}
	assert.Equal(t, []string{"b"}, r.JobInputs())
}

func TestScalingInfo_AllowsAnotherInstance(t *testing.T) {
	assert.True(t, ScalingInfo{MaxInstances: UnlimitedInstances}.AllowsAnotherInstance(100))
	assert.True(t, ScalingInfo{MaxInstances: 2}.AllowsAnotherInstance(1))
	assert.False(t, ScalingInfo{MaxInstances: 2}.AllowsAnotherInstance(2))
}

func TestTaskKey(t *testing.T) {
	assert.Equal(t, "eos3b5e_42", TaskKey("eos3b5e", 42))
}
