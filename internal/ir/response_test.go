package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResponseActionSources(t *testing.T) {
	tests := []struct {
		name  string
		input string
		plan  []string
		txID  string
	}{
		{
			name:  "top-level actions",
			input: `{"jobId":"j1","ok":true,"plan":["step one"],"actions":[{"type":"deleteInstance","path":"game/W/A"}]}`,
			plan:  []string{"step one"},
		},
		{
			name:  "tx.actions",
			input: `{"jobId":"j1","ok":true,"tx":{"id":"tx-9","actions":[{"type":"deleteInstance","path":"game/W/A"}]}}`,
			txID:  "tx-9",
		},
		{
			name:  "plan.actions",
			input: `{"jobId":"j1","ok":true,"plan":{"steps":["a","b"],"actions":[{"type":"deleteInstance","path":"game/W/A"}]}}`,
			plan:  []string{"a", "b"},
		},
		{
			name:  "plan is an action list",
			input: `{"jobId":"j1","ok":true,"plan":[{"type":"deleteInstance","path":"game/W/A"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeResponse([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, "j1", r.JobID)
			assert.True(t, r.OK)
			require.Len(t, r.Actions, 1)
			assert.Equal(t, KindDeleteInstance, r.Actions[0].Kind)
			assert.Equal(t, tt.plan, r.Plan)
			assert.Equal(t, tt.txID, r.TransactionID)
		})
	}
}

func TestDecodeResponseAgentFailure(t *testing.T) {
	r, err := DecodeResponse([]byte(`{"jobId":"j2","ok":false,"actions":[],"errors":["cannot find script"]}`))
	require.NoError(t, err)
	assert.False(t, r.OK)
	assert.Empty(t, r.Actions)
	assert.Equal(t, []string{"cannot find script"}, r.Errors)
}

func TestDecodeResponseDefaultsOK(t *testing.T) {
	r, err := DecodeResponse([]byte(`{"jobId":"j3","summary":"nothing to do"}`))
	require.NoError(t, err)
	assert.True(t, r.OK)
	assert.Equal(t, "nothing to do", r.Summary)
}

func TestDecodeResponseSchemaInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{"jobId":`},
		{"missing jobId", `{"ok":true,"actions":[]}`},
		{"actions not a list", `{"jobId":"j","actions":{"type":"x"}}`},
		{"action not an object", `{"jobId":"j","actions":["deleteInstance"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(tt.input))
			require.Error(t, err)
			assert.True(t, IsCode(err, CodeSchemaInvalid))
		})
	}
}
