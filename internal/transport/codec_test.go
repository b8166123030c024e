package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/adgen/internal/pipeline"
)

func TestDecode_Keepalive(t *testing.T) {
	for _, frame := range []string{`{"type": "ping"}`, `{"type":"PONG"}`, ` {"type":"heartbeat"} `, `{"type":"keepalive","ts":1}`} {
		msg, err := Decode([]byte(frame))
		require.NoError(t, err, frame)
		assert.True(t, msg.Keepalive, frame)
		assert.Nil(t, msg.Snapshot)
	}
}

func TestDecode_Snapshot(t *testing.T) {
	msg, err := Decode([]byte(`{"job_id":"J1","status":"running","current_step":2,"steps":{"select_image":{"status":"success"}},"error":null,"error_step":null,"final_image_url":null,"updated_at":"2024-05-01T10:00:00"}`))
	require.NoError(t, err)
	require.False(t, msg.Keepalive)
	require.NotNil(t, msg.Snapshot)
	assert.Equal(t, "J1", msg.Snapshot.JobID)
	assert.Equal(t, pipeline.StepSuccess, msg.Snapshot.Steps[pipeline.StepSelectImage].Status)
	require.NotNil(t, msg.Snapshot.UpdatedAt)
}

func TestDecode_TypedFrameWithJobIDIsSnapshot(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"ping","job_id":"J1","status":"running"}`))
	require.NoError(t, err)
	assert.False(t, msg.Keepalive)
	require.NotNil(t, msg.Snapshot)
}

func TestDecode_Rejects(t *testing.T) {
	for _, frame := range []string{``, `null`, `"ping"`, `[1,2]`, `{"job_id":`, `{"job_id":"J1","current_step":"two"}`} {
		_, err := Decode([]byte(frame))
		assert.Error(t, err, frame)
	}
}
