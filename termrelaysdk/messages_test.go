package termrelaysdk

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Message{
		&Join{Type: TypeJoin, Code: "ABC234"},
		&Rejoin{Type: TypeRejoin, SessionID: "S1"},
		&TerminalInput{Type: TypeTerminalInput, SessionID: "S1", Payload: "ls\r"},
		&TerminalResize{Type: TypeTerminalResize, SessionID: "S1", Cols: 80, Rows: 24},
		&Joined{Type: TypeJoined, SessionID: "S1"},
		&Error{Type: TypeError, Code: ErrorInvalidCode, Message: "no such pair"},
		&Registered{Type: TypeRegistered, Code: "ABC234"},
	}

	for _, want := range cases {
		raw, err := json.Marshal(want)
		require.NoError(t, err)

		got, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, want, got)

		// re-encoding the decoded value must reproduce the same bytes,
		// modulo field order, which json.Marshal keeps stable for a
		// fixed struct type.
		raw2, err := json.Marshal(got)
		require.NoError(t, err)
		require.JSONEq(t, string(raw), string(raw2))
	}
}

func TestDecodeUnknownType(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"type":"not_a_real_type"}`))
	require.Error(t, err)
}

func TestDecodeScenario1(t *testing.T) {
	t.Parallel()

	// From spec.md Scenario 1 (happy path).
	msg, err := Decode([]byte(`{"type":"join","code":"abc234"}`))
	require.NoError(t, err)
	join, ok := msg.(*Join)
	require.True(t, ok)
	require.Equal(t, "abc234", join.Code)

	msg, err = Decode([]byte(`{"type":"terminal_input","sessionId":"S1","payload":"ls\r"}`))
	require.NoError(t, err)
	input, ok := msg.(*TerminalInput)
	require.True(t, ok)
	require.Equal(t, "S1", input.SessionID)
	require.Equal(t, "ls\r", input.Payload)
}

func TestBinaryFrameRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	payload := []byte("drwx")

	frame := EncodeBinaryFrame(id, payload)
	require.Len(t, frame, BinaryFrameSessionIDLen+1+len(payload))

	gotID, gotPayload, err := DecodeBinaryFrame(frame)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Equal(t, payload, gotPayload)
}

func TestBinaryFrameTooShort(t *testing.T) {
	t.Parallel()

	_, _, err := DecodeBinaryFrame(make([]byte, 4))
	require.Error(t, err)
}

func TestBinaryFrameMissingSeparator(t *testing.T) {
	t.Parallel()

	frame := make([]byte, BinaryFrameSessionIDLen+1+3)
	frame[BinaryFrameSessionIDLen] = 0x01
	_, _, err := DecodeBinaryFrame(frame)
	require.Error(t, err)
}
