package termrelaysdk

import (
	"fmt"

	"github.com/google/uuid"
)

// BinaryFrameSessionIDLen is the fixed width reserved for the session id
// prefix in a binary terminal-byte frame: a raw 16-byte uuid.UUID, chosen
// over a 36-byte hex string to avoid encoding overhead on the dominant
// bandwidth path.
const BinaryFrameSessionIDLen = 16

// binaryFrameSeparator marks the end of the session id prefix.
const binaryFrameSeparator = 0x00

// EncodeBinaryFrame lays out a terminal-byte frame as
// [session_id 16 bytes][0x00][raw_payload], per spec.md §4.3.
func EncodeBinaryFrame(sessionID uuid.UUID, payload []byte) []byte {
	frame := make([]byte, BinaryFrameSessionIDLen+1+len(payload))
	copy(frame, sessionID[:])
	frame[BinaryFrameSessionIDLen] = binaryFrameSeparator
	copy(frame[BinaryFrameSessionIDLen+1:], payload)
	return frame
}

// DecodeBinaryFrame extracts the session id and payload from a binary
// frame. The Relay uses the session id only to confirm the target pair;
// it never interprets payload.
func DecodeBinaryFrame(frame []byte) (sessionID uuid.UUID, payload []byte, err error) {
	if len(frame) < BinaryFrameSessionIDLen+1 {
		return uuid.Nil, nil, fmt.Errorf("binary frame too short: %d bytes", len(frame))
	}
	if frame[BinaryFrameSessionIDLen] != binaryFrameSeparator {
		return uuid.Nil, nil, fmt.Errorf("binary frame missing separator byte at offset %d", BinaryFrameSessionIDLen)
	}
	copy(sessionID[:], frame[:BinaryFrameSessionIDLen])
	return sessionID, frame[BinaryFrameSessionIDLen+1:], nil
}
