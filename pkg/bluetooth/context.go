package bluetooth

import (
	"sync"

	"github.com/tsos/blegateway/pkg/apiclient"
	"github.com/tsos/blegateway/pkg/protocol"
)

// Event is a gateway occurrence surfaced to the monitor.
type Event struct {
	Type           string `json:"type"`
	Characteristic string `json:"characteristic,omitempty"`
	Central        string `json:"central,omitempty"`
	Data           string `json:"data,omitempty"`
	Message        string `json:"message,omitempty"`
}

// EventSink receives gateway events. The monitor server implements
// it; a nil sink is valid and discards everything.
type EventSink interface {
	GatewayEvent(evt Event)
}

// Context carries the state every characteristic needs: the API
// bridge, the dispatch loop, the negotiated MTU, and the pairing
// policy. It is constructed once per gateway and passed explicitly
// into each characteristic.
type Context struct {
	API             *apiclient.Client
	Loop            *Loop
	PairingRequired bool

	mu     sync.RWMutex
	mtu    int
	paired map[string]bool
	sink   EventSink
}

// NewContext builds a context with the default (pre-negotiation) MTU.
func NewContext(api *apiclient.Client, pairingRequired bool) *Context {
	return &Context{
		API:             api,
		Loop:            NewLoop(),
		PairingRequired: pairingRequired,
		mtu:             protocol.DefaultMTU,
		paired:          make(map[string]bool),
	}
}

// SetMTU records the MTU negotiated for the current connection.
func (c *Context) SetMTU(mtu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mtu > 0 {
		c.mtu = mtu
	}
}

// MTU returns the currently negotiated MTU.
func (c *Context) MTU() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mtu
}

// FrameSize returns the usable notification payload size for the
// current connection.
func (c *Context) FrameSize() int {
	return protocol.FrameSize(c.MTU())
}

// IsPaired reports whether the central may use pairing-gated
// characteristics. Always true when the gateway runs without a
// pairing requirement.
func (c *Context) IsPaired(centralID string) bool {
	if !c.PairingRequired {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paired[centralID]
}

// MarkPaired grants a central access to pairing-gated
// characteristics.
func (c *Context) MarkPaired(centralID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paired[centralID] = true
}

// RevokePaired removes a central's pairing grant.
func (c *Context) RevokePaired(centralID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paired, centralID)
}

// SetEventSink attaches a monitor sink.
func (c *Context) SetEventSink(sink EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *Context) emit(evt Event) {
	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink != nil {
		sink.GatewayEvent(evt)
	}
}
