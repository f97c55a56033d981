package protocol

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
)

const (
	// ATTHeaderLen is the attribute protocol overhead per notification.
	ATTHeaderLen = 3

	// DefaultMTU is the pre-negotiation connection MTU.
	DefaultMTU = 23

	// MinFrameSize is the floor a frame never shrinks below, so the
	// protocol stays usable even at the lowest negotiated MTU.
	MinFrameSize = 20
)

// FrameSize returns the usable notification payload size for a
// negotiated MTU, clamped to MinFrameSize.
func FrameSize(mtu int) int {
	size := mtu - ATTHeaderLen
	if size < MinFrameSize {
		return MinFrameSize
	}
	return size
}

// Chunk splits data into frames of at most frameSize bytes, in order.
// A payload that fits in one frame (including an empty payload) yields
// exactly one frame. Stateless: the same inputs always produce the
// same frames.
func Chunk(data []byte, frameSize int) [][]byte {
	if len(data) <= frameSize {
		return [][]byte{data}
	}

	frames := make([][]byte, 0, FrameCount(len(data), frameSize))
	for start := 0; start < len(data); start += frameSize {
		end := start + frameSize
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, data[start:end])
	}

	log.Tracef("chunked %d bytes into %d frames of <=%d bytes", len(data), len(frames), frameSize)
	return frames
}

// FrameCount returns the number of frames Chunk would produce for a
// payload of the given length, without materializing them.
func FrameCount(length, frameSize int) int {
	if length == 0 {
		return 1
	}
	return (length + frameSize - 1) / frameSize
}

// EncodeSuccess serializes a handler result for delivery. Strings pass
// through unchanged; anything else is JSON-serialized.
func EncodeSuccess(value interface{}) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encoding response: %w", err)
	}
	return string(data), nil
}

type errorFrame struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// EncodeError builds the structured error payload sent to the client
// in place of a result.
func EncodeError(message string, code int) string {
	data, err := json.Marshal(errorFrame{Error: message, Code: code})
	if err != nil {
		// message is a plain string; this cannot happen in practice
		log.Errorf("failed to encode error frame: %v", err)
		return `{"error":"internal error","code":500}`
	}
	return string(data)
}

// EncodePairingRequired is the fixed payload for writes rejected
// because the central has not paired.
func EncodePairingRequired() string {
	return EncodeError("pairing required", 403)
}
