package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Accumulator collects the fragments of one chunked write until the
// full request can be reassembled. Each write characteristic owns
// exactly one; it is never shared.
//
// A duplicate seq overwrites the previous fragment without error: the
// transport guarantees in-order lossless delivery, so the protocol
// does not defend against replay. Fragments may arrive in any order;
// the final flag is remembered, so a final-flagged fragment arriving
// early leaves the accumulator waiting until the set is full. There
// is no timeout for abandoned sequences; stale fragments sit until a
// later complete sequence overwrites them.
type Accumulator struct {
	fragments map[int]string
	total     int
	finalSeen bool
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{fragments: make(map[int]string)}
}

// Reset drops all held fragments.
func (a *Accumulator) Reset() {
	a.fragments = make(map[int]string)
	a.total = 0
	a.finalSeen = false
}

// Pending returns the number of fragments currently held.
func (a *Accumulator) Pending() int {
	return len(a.fragments)
}

// Add feeds one envelope in. Once the final flag has been seen and
// every fragment of the declared total is held, the fragments are
// concatenated in sequence order, parsed as JSON, and returned with
// done=true; the accumulator resets immediately, whether reassembly
// succeeded or failed.
func (a *Accumulator) Add(env *WriteEnvelope) (map[string]interface{}, bool, error) {
	a.fragments[env.Seq] = env.Data
	a.total = env.Total
	if env.Final {
		a.finalSeen = true
	}

	log.Tracef("accumulated fragment seq=%d final=%v (%d/%d held)",
		env.Seq, env.Final, len(a.fragments), a.total)

	if !a.finalSeen {
		return nil, false, nil
	}
	if len(a.fragments) != a.total {
		log.Debugf("final flag seen with %d/%d held, waiting for the rest",
			len(a.fragments), a.total)
		return nil, false, nil
	}

	total := a.total
	var sb strings.Builder
	for seq := 0; seq < total; seq++ {
		fragment, ok := a.fragments[seq]
		if !ok {
			a.Reset()
			return nil, false, fmt.Errorf("reassembly failed: missing fragment seq=%d of %d", seq, total)
		}
		sb.WriteString(fragment)
	}
	a.Reset()

	var body map[string]interface{}
	if err := json.Unmarshal([]byte(sb.String()), &body); err != nil {
		return nil, false, fmt.Errorf("reassembled payload is not a JSON object: %w", err)
	}

	log.Debugf("reassembled %d fragments into %d bytes", total, sb.Len())
	return body, true, nil
}
