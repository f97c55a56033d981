package bluetooth

import (
	"context"
	"errors"
	"sync"

	"github.com/paypal/gatt"
	log "github.com/sirupsen/logrus"

	"github.com/tsos/blegateway/pkg/apiclient"
	"github.com/tsos/blegateway/pkg/protocol"
)

// Notifier is the subset of the transport's notifier the
// characteristics depend on. gatt.Notifier satisfies it; tests supply
// fakes.
type Notifier interface {
	Write(data []byte) (int, error)
	Done() bool
}

// ReadHandler produces the data for a read characteristic.
type ReadHandler func(ctx context.Context) (interface{}, error)

// WriteHandler executes the operation bound to a write characteristic
// and returns a JSON-able result.
type WriteHandler func(ctx context.Context, body map[string]interface{}) (interface{}, error)

// Characteristic is the common surface of the two variants.
type Characteristic interface {
	Slot() uint16
	UUID() string
	Name() string
	attach(svc *gatt.Service)
}

type charBase struct {
	slot uint16
	name string
	gctx *Context

	mu       sync.Mutex
	notifier Notifier
}

func (c *charBase) Slot() uint16 { return c.slot }
func (c *charBase) Name() string { return c.name }
func (c *charBase) UUID() string { return protocol.SlotUUID(c.slot) }

func (c *charBase) setNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

func (c *charBase) currentNotifier() Notifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifier == nil || c.notifier.Done() {
		return nil
	}
	return c.notifier
}

// notifyFrames chunks payload against the negotiated MTU and writes
// one notification per frame, in order.
func (c *charBase) notifyFrames(payload string) {
	n := c.currentNotifier()
	if n == nil {
		log.Warnf("%s: dropping %d-byte payload, notifications not enabled", c.name, len(payload))
		return
	}

	frames := protocol.Chunk([]byte(payload), c.gctx.FrameSize())
	for i, frame := range frames {
		if n.Done() {
			log.Warnf("%s: central unsubscribed mid-burst (%d/%d frames sent)", c.name, i, len(frames))
			return
		}
		if _, err := n.Write(frame); err != nil {
			log.Warnf("%s: notification %d/%d failed: %v", c.name, i+1, len(frames), err)
			return
		}
	}

	log.Debugf("%s: notified %d bytes in %d frames", c.name, len(payload), len(frames))
	c.gctx.emit(Event{Type: "notify", Characteristic: c.name, Message: "payload delivered"})
}

// ReadCharacteristic serves data via the notification-only read
// protocol: a read returns a compact metadata record describing the
// payload, and the payload itself follows as a burst of notification
// frames scheduled after the read callback has returned.
type ReadCharacteristic struct {
	charBase
	contentType protocol.ContentType
	handler     ReadHandler
}

// NewReadCharacteristic binds a data-producing handler to a slot.
func NewReadCharacteristic(slot uint16, name string, gctx *Context, contentType protocol.ContentType, handler ReadHandler) *ReadCharacteristic {
	return &ReadCharacteristic{
		charBase:    charBase{slot: slot, name: name, gctx: gctx},
		contentType: contentType,
		handler:     handler,
	}
}

// HandleRead runs the read contract and returns the encoded metadata
// record that becomes the read's attribute value.
func (c *ReadCharacteristic) HandleRead() []byte {
	if c.currentNotifier() == nil {
		log.Warnf("%s: read with notifications disabled", c.name)
		return c.errorMetadata("notifications not enabled")
	}

	result, err := c.handler(context.Background())
	if err != nil {
		log.Errorf("%s: handler failed: %v", c.name, err)
		c.gctx.emit(Event{Type: "error", Characteristic: c.name, Message: err.Error()})
		return c.errorMetadata(err.Error())
	}

	payload, err := protocol.EncodeSuccess(result)
	if err != nil {
		log.Errorf("%s: %v", c.name, err)
		return c.errorMetadata(err.Error())
	}

	frameSize := c.gctx.FrameSize()
	meta := protocol.Metadata{
		ContentLength: len(payload),
		ChunkCount:    protocol.FrameCount(len(payload), frameSize),
		ContentType:   c.contentType,
		Status:        protocol.StatusReady,
	}
	encoded, err := protocol.EncodeMetadata(meta)
	if err != nil {
		log.Errorf("%s: %v", c.name, err)
		return c.errorMetadata("internal error")
	}

	// The burst must not start until this callback has returned the
	// metadata, so it goes through the dispatch loop.
	c.gctx.Loop.Submit(func() {
		c.notifyFrames(payload)
	})

	log.Debugf("%s: read -> %d bytes in %d frames", c.name, meta.ContentLength, meta.ChunkCount)
	return encoded
}

func (c *ReadCharacteristic) errorMetadata(message string) []byte {
	encoded, err := protocol.EncodeMetadata(protocol.ErrorMetadata(message))
	if err != nil {
		log.Errorf("%s: failed to encode error metadata: %v", c.name, err)
		return nil
	}
	return encoded
}

func (c *ReadCharacteristic) attach(svc *gatt.Service) {
	ch := svc.AddCharacteristic(gatt.MustParseUUID(c.UUID()))
	ch.HandleReadFunc(func(rsp gatt.ResponseWriter, req *gatt.ReadRequest) {
		if _, err := rsp.Write(c.HandleRead()); err != nil {
			log.Warnf("%s: failed to write read response: %v", c.name, err)
		}
	})
	ch.HandleNotifyFunc(func(r gatt.Request, n gatt.Notifier) {
		c.setNotifier(n)
		log.Infof("%s: notifications enabled by %s", c.name, r.Central.ID())
	})
}

// WriteCharacteristic accepts requests via write operations, direct or
// chunked, and notifies the outcome back. Errors never propagate into
// the transport's callback: the central learns of every failure
// through an error frame.
type WriteCharacteristic struct {
	charBase
	requiresPairing bool
	validate        func(body map[string]interface{}) error
	handler         WriteHandler

	// reqMu serializes request handling; the accumulator is only
	// touched with it held.
	reqMu sync.Mutex
	acc   *protocol.Accumulator
}

// NewWriteCharacteristic binds a request handler to a slot. validate
// may be nil for requests with no required fields.
func NewWriteCharacteristic(slot uint16, name string, gctx *Context, requiresPairing bool, validate func(map[string]interface{}) error, handler WriteHandler) *WriteCharacteristic {
	return &WriteCharacteristic{
		charBase:        charBase{slot: slot, name: name, gctx: gctx},
		requiresPairing: requiresPairing,
		validate:        validate,
		handler:         handler,
		acc:             protocol.NewAccumulator(),
	}
}

// HandleWrite processes one write operation from the central
// identified by centralID. At most one request is in flight per
// characteristic at a time.
func (c *WriteCharacteristic) HandleWrite(centralID string, data []byte) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if c.requiresPairing && !c.gctx.IsPaired(centralID) {
		log.Warnf("%s: rejecting write from unpaired central %s", c.name, centralID)
		c.notifyFrames(protocol.EncodePairingRequired())
		return
	}

	env, direct, err := protocol.DecodeWriteMessage(data)
	if err != nil {
		log.Warnf("%s: %v", c.name, err)
		c.acc.Reset()
		c.notifyFrames(protocol.EncodeError(err.Error(), 400))
		return
	}

	body := direct
	if env != nil {
		var done bool
		body, done, err = c.acc.Add(env)
		if err != nil {
			log.Warnf("%s: %v", c.name, err)
			c.notifyFrames(protocol.EncodeError(err.Error(), 400))
			return
		}
		if !done {
			return
		}
	}

	c.dispatch(body)
}

func (c *WriteCharacteristic) dispatch(body map[string]interface{}) {
	c.gctx.emit(Event{Type: "write", Characteristic: c.name})

	if c.validate != nil {
		if err := c.validate(body); err != nil {
			log.Warnf("%s: invalid request: %v", c.name, err)
			c.notifyFrames(protocol.EncodeError(err.Error(), 400))
			return
		}
	}

	result, err := c.handler(context.Background(), body)
	if err != nil {
		log.Errorf("%s: handler failed: %v", c.name, err)
		c.gctx.emit(Event{Type: "error", Characteristic: c.name, Message: err.Error()})
		c.notifyFrames(protocol.EncodeError(err.Error(), errorCode(err)))
		return
	}

	payload, err := protocol.EncodeSuccess(result)
	if err != nil {
		log.Errorf("%s: %v", c.name, err)
		c.notifyFrames(protocol.EncodeError(err.Error(), 500))
		return
	}

	c.notifyFrames(payload)
}

func (c *WriteCharacteristic) attach(svc *gatt.Service) {
	ch := svc.AddCharacteristic(gatt.MustParseUUID(c.UUID()))
	ch.HandleWriteFunc(func(r gatt.Request, data []byte) (status byte) {
		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)
		c.HandleWrite(r.Central.ID(), dataCopy)
		return 0
	})
	ch.HandleNotifyFunc(func(r gatt.Request, n gatt.Notifier) {
		c.setNotifier(n)
		log.Infof("%s: notifications enabled by %s", c.name, r.Central.ID())
	})
}

func errorCode(err error) int {
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 502
}
