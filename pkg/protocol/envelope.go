package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// WriteEnvelope is the per-fragment header a central attaches when a
// request does not fit in a single write operation.
type WriteEnvelope struct {
	Seq   int    `json:"seq"`
	Total int    `json:"total"`
	Data  string `json:"data"`
	Final bool   `json:"final"`
}

// DecodeWriteMessage inspects an incoming write. If the bytes parse as
// a JSON object carrying the chunk-envelope fields, the envelope is
// returned; otherwise the whole payload is treated as one direct JSON
// request body. Bytes that are not valid UTF-8 or not a JSON object
// fail with a decode error.
func DecodeWriteMessage(data []byte) (*WriteEnvelope, map[string]interface{}, error) {
	if !utf8.Valid(data) {
		return nil, nil, fmt.Errorf("write payload is not valid UTF-8")
	}

	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, nil, fmt.Errorf("write payload is not a JSON object: %w", err)
	}

	if !isChunkEnvelope(body) {
		return nil, body, nil
	}

	var env WriteEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("malformed chunk envelope: %w", err)
	}
	if env.Total <= 0 {
		return nil, nil, fmt.Errorf("malformed chunk envelope: total=%d", env.Total)
	}
	if env.Seq < 0 || env.Seq >= env.Total {
		return nil, nil, fmt.Errorf("malformed chunk envelope: seq=%d outside total=%d", env.Seq, env.Total)
	}
	return &env, nil, nil
}

func isChunkEnvelope(body map[string]interface{}) bool {
	for _, key := range []string{"seq", "total", "data"} {
		if _, ok := body[key]; !ok {
			return false
		}
	}
	return true
}
