package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "kyc/pkg/domain-errors"
)

// TestParseSessionID_Invariants validates the parsing invariant:
// "session ids must be valid, non-empty, non-nil UUIDs"
func TestParseSessionID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseSessionID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseSessionID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseSessionID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		validUUID := uuid.New()
		id, err := ParseSessionID(validUUID.String())
		require.NoError(t, err)
		assert.Equal(t, SessionID(validUUID), id)
		assert.Equal(t, validUUID.String(), id.String())
	})
}

// TestParseSessionID_RejectsPathLikeInput covers values that reach the parser
// from the {session_id} path parameter and the queue payload.
func TestParseSessionID_RejectsPathLikeInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"SQL injection attempt", "'; DROP TABLE kyc_sessions;--", true},
		{"Path traversal", "../../../etc/passwd", true},
		{"Null byte injection", "550e8400\x00-e29b-41d4-a716-446655440000", true},
		{"Oversized input", strings.Repeat("a", 1000), true},
		{"Whitespace only", "   ", true},
		{"Uppercase valid UUID", "550E8400-E29B-41D4-A716-446655440000", false},
		{"Valid UUID lowercase", "550e8400-e29b-41d4-a716-446655440000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSessionID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNewSessionID_IsNeverNil(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.False(t, NewSessionID().IsNil())
	}
	assert.True(t, SessionID{}.IsNil())
}

func TestSessionID_JSON(t *testing.T) {
	sid := NewSessionID()

	b, err := json.Marshal(struct {
		ID SessionID `json:"session_id"`
	}{ID: sid})
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"`+sid.String()+`"}`, string(b))

	var decoded struct {
		ID SessionID `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, sid, decoded.ID)

	err = json.Unmarshal([]byte(`{"session_id":"nope"}`), &decoded)
	require.Error(t, err)
}
