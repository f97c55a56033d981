package bluetooth

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/tsos/blegateway/pkg/apiclient"
	"github.com/tsos/blegateway/pkg/protocol"
)

type fakeNotifier struct {
	mu     sync.Mutex
	frames [][]byte
	done   bool
}

func (n *fakeNotifier) Write(data []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	n.frames = append(n.frames, frame)
	return len(data), nil
}

func (n *fakeNotifier) Done() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

func (n *fakeNotifier) recorded() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	frames := make([][]byte, len(n.frames))
	copy(frames, n.frames)
	return frames
}

func (n *fakeNotifier) joined() []byte {
	var out []byte
	for _, f := range n.recorded() {
		out = append(out, f...)
	}
	return out
}

func newTestContext(pairingRequired bool) *Context {
	return NewContext(apiclient.New("http://127.0.0.1:1"), pairingRequired)
}

func decodeJSONFrames(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("notified payload is not JSON: %v (%q)", err, data)
	}
	return body
}

func TestReadWithoutNotificationsShortCircuits(t *testing.T) {
	gctx := newTestContext(false)
	defer gctx.Loop.Stop()

	calls := 0
	c := NewReadCharacteristic(protocol.SlotSystemStatus, "system-status", gctx, protocol.ContentTypeJSON,
		func(ctx context.Context) (interface{}, error) {
			calls++
			return `{}`, nil
		})

	meta, err := protocol.DecodeMetadata(c.HandleRead())
	if err != nil {
		t.Fatalf("read did not return a metadata record: %v", err)
	}

	if meta.Status != protocol.StatusError {
		t.Errorf("expected error status, got %d", meta.Status)
	}
	if meta.ContentLength != 0 || meta.ChunkCount != 0 {
		t.Errorf("error metadata announced a payload: %+v", meta)
	}
	if calls != 0 {
		t.Errorf("handler was invoked %d times", calls)
	}
}

func TestReadNotificationBurst(t *testing.T) {
	// 23-byte MTU gives 20-byte frames; a 100-byte payload must be
	// announced as 5 chunks and delivered as exactly 5 notifications.
	payload := `{"status":"` + strings.Repeat("a", 87) + `"}`
	if len(payload) != 100 {
		t.Fatalf("test payload is %d bytes, want 100", len(payload))
	}

	gctx := newTestContext(false)
	defer gctx.Loop.Stop()
	gctx.SetMTU(23)

	c := NewReadCharacteristic(protocol.SlotSystemStatus, "system-status", gctx, protocol.ContentTypeJSON,
		func(ctx context.Context) (interface{}, error) {
			return payload, nil
		})
	n := &fakeNotifier{}
	c.setNotifier(n)

	meta, err := protocol.DecodeMetadata(c.HandleRead())
	if err != nil {
		t.Fatalf("decoding metadata: %v", err)
	}

	if meta.Status != protocol.StatusReady {
		t.Fatalf("expected ready status, got %d (%s)", meta.Status, meta.Error)
	}
	if meta.ContentLength != 100 {
		t.Errorf("ContentLength = %d, want 100", meta.ContentLength)
	}
	if meta.ChunkCount != 5 {
		t.Errorf("ChunkCount = %d, want 5", meta.ChunkCount)
	}
	if meta.ContentType != protocol.ContentTypeJSON {
		t.Errorf("ContentType = %d", meta.ContentType)
	}

	// The burst is queued behind the read; drain the loop.
	gctx.Loop.Sync()

	frames := n.recorded()
	if len(frames) != 5 {
		t.Fatalf("expected 5 notification frames, got %d", len(frames))
	}
	for i, frame := range frames {
		if len(frame) > 20 {
			t.Errorf("frame %d has %d bytes, exceeds the 20-byte frame size", i, len(frame))
		}
	}
	if got := string(n.joined()); got != payload {
		t.Errorf("reassembled payload differs:\n got %q\nwant %q", got, payload)
	}
	decodeJSONFrames(t, n.joined())
}

func TestReadHandlerErrorProducesErrorMetadata(t *testing.T) {
	gctx := newTestContext(false)
	defer gctx.Loop.Stop()

	c := NewReadCharacteristic(protocol.SlotTimeStatus, "time-status", gctx, protocol.ContentTypeJSON,
		func(ctx context.Context) (interface{}, error) {
			return nil, fmt.Errorf("upstream unreachable")
		})
	n := &fakeNotifier{}
	c.setNotifier(n)

	meta, err := protocol.DecodeMetadata(c.HandleRead())
	if err != nil {
		t.Fatalf("decoding metadata: %v", err)
	}
	if meta.Status != protocol.StatusError {
		t.Errorf("expected error status, got %d", meta.Status)
	}
	if meta.Error != "upstream unreachable" {
		t.Errorf("error message lost: %q", meta.Error)
	}

	gctx.Loop.Sync()
	if len(n.recorded()) != 0 {
		t.Error("a notification burst followed a failed read")
	}
}

func TestWritePairingGate(t *testing.T) {
	gctx := newTestContext(true)
	defer gctx.Loop.Stop()

	calls := 0
	c := NewWriteCharacteristic(protocol.SlotProcessAction, "process-action", gctx, true, nil,
		func(ctx context.Context, body map[string]interface{}) (interface{}, error) {
			calls++
			return map[string]string{"message": "ok"}, nil
		})
	n := &fakeNotifier{}
	c.setNotifier(n)

	c.HandleWrite("11:22:33:44:55:66", []byte(`{"service":"chrony","action":"restart"}`))

	if calls != 0 {
		t.Errorf("handler invoked %d times for an unpaired central", calls)
	}
	body := decodeJSONFrames(t, n.joined())
	if body["code"] != float64(403) {
		t.Errorf("expected pairing-required frame, got %v", body)
	}

	// Pairing the central unblocks the same write.
	gctx.MarkPaired("11:22:33:44:55:66")
	n2 := &fakeNotifier{}
	c.setNotifier(n2)
	c.HandleWrite("11:22:33:44:55:66", []byte(`{"service":"chrony","action":"restart"}`))
	if calls != 1 {
		t.Errorf("handler invoked %d times after pairing, want 1", calls)
	}
}

func TestWriteDirectDispatch(t *testing.T) {
	gctx := newTestContext(false)
	defer gctx.Loop.Stop()

	var received map[string]interface{}
	calls := 0
	c := NewWriteCharacteristic(protocol.SlotProcessAction, "process-action", gctx, false,
		func(body map[string]interface{}) error {
			return protocol.RequireFields(body, "service", "action")
		},
		func(ctx context.Context, body map[string]interface{}) (interface{}, error) {
			calls++
			received = body
			return map[string]string{"message": "restarted chrony"}, nil
		})
	n := &fakeNotifier{}
	c.setNotifier(n)

	c.HandleWrite("central", []byte(`{"service":"chrony","action":"restart"}`))

	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
	want := map[string]interface{}{"service": "chrony", "action": "restart"}
	if !reflect.DeepEqual(received, want) {
		t.Errorf("handler body = %v, want %v", received, want)
	}

	resp := decodeJSONFrames(t, n.joined())
	if resp["message"] != "restarted chrony" {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestWriteChunkedDispatch(t *testing.T) {
	content := strings.Repeat("gain = 49.6\n", 38)
	doc, err := json.Marshal(map[string]interface{}{
		"filename": "radiotracking.ini",
		"content":  content,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(doc) < 500 {
		t.Fatalf("test document is %d bytes, want >=500", len(doc))
	}

	gctx := newTestContext(false)
	defer gctx.Loop.Stop()

	calls := 0
	var received map[string]interface{}
	c := NewWriteCharacteristic(protocol.SlotUploadFile, "upload-file", gctx, false,
		func(body map[string]interface{}) error {
			return protocol.RequireFields(body, "filename", "content")
		},
		func(ctx context.Context, body map[string]interface{}) (interface{}, error) {
			calls++
			received = body
			return map[string]string{"status": "uploaded"}, nil
		})
	n := &fakeNotifier{}
	c.setNotifier(n)

	total := 4
	size := (len(doc) + total - 1) / total
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(doc) {
			end = len(doc)
		}
		env, err := json.Marshal(protocol.WriteEnvelope{
			Seq:   i,
			Total: total,
			Data:  string(doc[start:end]),
			Final: i == total-1,
		})
		if err != nil {
			t.Fatal(err)
		}
		c.HandleWrite("central", env)

		if i < total-1 && calls != 0 {
			t.Fatalf("handler dispatched after %d of %d chunks", i+1, total)
		}
	}

	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
	if received["filename"] != "radiotracking.ini" || received["content"] != content {
		t.Error("reassembled body does not match the original document")
	}

	resp := decodeJSONFrames(t, n.joined())
	if resp["status"] != "uploaded" {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestWriteMalformedPayloadRecovers(t *testing.T) {
	gctx := newTestContext(false)
	defer gctx.Loop.Stop()

	calls := 0
	c := NewWriteCharacteristic(protocol.SlotProcessAction, "process-action", gctx, false, nil,
		func(ctx context.Context, body map[string]interface{}) (interface{}, error) {
			calls++
			return map[string]string{"message": "ok"}, nil
		})
	n := &fakeNotifier{}
	c.setNotifier(n)

	// Park a partial sequence, then poison it with undecodable bytes.
	env, _ := json.Marshal(protocol.WriteEnvelope{Seq: 0, Total: 2, Data: `{"service"`})
	c.HandleWrite("central", env)
	c.HandleWrite("central", []byte{0xff, 0xfe})

	errResp := decodeJSONFrames(t, n.joined())
	if errResp["code"] != float64(400) {
		t.Fatalf("expected a 400 error frame, got %v", errResp)
	}
	if calls != 0 {
		t.Fatalf("handler dispatched %d times from a poisoned sequence", calls)
	}

	// A fresh complete sequence starting at seq 0 succeeds as if no
	// prior state existed.
	n2 := &fakeNotifier{}
	c.setNotifier(n2)
	for i, fragment := range []string{`{"service":"chr`, `ony"}`} {
		env, err := json.Marshal(protocol.WriteEnvelope{
			Seq: i, Total: 2, Data: fragment, Final: i == 1,
		})
		if err != nil {
			t.Fatal(err)
		}
		c.HandleWrite("central", env)
	}
	if calls != 1 {
		t.Errorf("handler invoked %d times after recovery, want 1", calls)
	}
}

func TestWriteUpstreamErrorBecomesErrorFrame(t *testing.T) {
	gctx := newTestContext(false)
	defer gctx.Loop.Stop()

	c := NewWriteCharacteristic(protocol.SlotProcessAction, "process-action", gctx, false, nil,
		func(ctx context.Context, body map[string]interface{}) (interface{}, error) {
			return nil, &apiclient.APIError{StatusCode: 404, Body: "unknown service"}
		})
	n := &fakeNotifier{}
	c.setNotifier(n)

	c.HandleWrite("central", []byte(`{"service":"nope","action":"stop"}`))

	resp := decodeJSONFrames(t, n.joined())
	if resp["code"] != float64(404) {
		t.Errorf("expected upstream status in error frame, got %v", resp)
	}
}

func TestWriteResponseIsChunked(t *testing.T) {
	gctx := newTestContext(false)
	defer gctx.Loop.Stop()
	gctx.SetMTU(23)

	long := strings.Repeat("x", 150)
	c := NewWriteCharacteristic(protocol.SlotLogs, "logs", gctx, false, nil,
		func(ctx context.Context, body map[string]interface{}) (interface{}, error) {
			return map[string]string{"logs": long}, nil
		})
	n := &fakeNotifier{}
	c.setNotifier(n)

	c.HandleWrite("central", []byte(`{"service":"radiotracking"}`))

	frames := n.recorded()
	if len(frames) < 2 {
		t.Fatalf("expected a multi-frame response, got %d frames", len(frames))
	}
	for i, frame := range frames {
		if len(frame) > 20 {
			t.Errorf("frame %d exceeds frame size: %d bytes", i, len(frame))
		}
	}
	resp := decodeJSONFrames(t, n.joined())
	if resp["logs"] != long {
		t.Error("chunked response did not reassemble to the handler result")
	}
}
