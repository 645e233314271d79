package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalRecordsPresentTemporalKeys(t *testing.T) {
	var task Task
	require.NoError(t, json.Unmarshal([]byte(`{"type":"project","kickoff":"2023-05-01T10:00:00Z",
		"duration":"","deadline":null,"timings":{"work":"","bigBreak":"PT1H"}}`), &task))

	assert.True(t, task.Has(FieldKickoff))
	assert.True(t, task.Has(FieldDuration))
	assert.True(t, task.Has(FieldWork))
	assert.True(t, task.Has(FieldBigBreak))
	assert.False(t, task.Has(FieldDeadline))
	assert.False(t, task.Has(FieldSmallBreak))
	assert.False(t, task.Has(FieldStart))

	clone := task.Clone()
	assert.Equal(t, task.Present, clone.Present)
}

func TestMarshalOmitsPresence(t *testing.T) {
	task := Task{Type: TypeFixed, Name: "x", Present: FieldStart, Fixed: &FixedSpec{Start: "a", End: "b"}}
	raw, err := json.Marshal(task)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "present")
	assert.NotContains(t, string(raw), "Present")
}
