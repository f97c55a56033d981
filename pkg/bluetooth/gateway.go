package bluetooth

import (
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/paypal/gatt"
	"github.com/paypal/gatt/linux/cmd"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tsos/blegateway/pkg/apiclient"
)

// maxAdvertisedNameLen keeps the scan-response name inside the legacy
// 31-byte advertisement budget.
const maxAdvertisedNameLen = 20

// Options configures a gateway.
type Options struct {
	API             *apiclient.Client
	Adapter         string
	DeviceName      string
	PairingRequired bool
	Discoverable    bool
}

// Gateway owns the GATT application: it registers the services and
// the advertisement with the host stack, tracks the connected
// central, and tears everything down on Stop.
type Gateway struct {
	gctx         *Context
	adapter      string
	deviceName   string
	discoverable bool
	services     []*Service

	mu      sync.Mutex
	device  gatt.Device
	central *gatt.Central

	fatal    chan error
	stopOnce sync.Once
}

// New assembles a gateway; nothing touches the radio until Start.
func New(opts Options) *Gateway {
	gctx := NewContext(opts.API, opts.PairingRequired)
	return &Gateway{
		gctx:         gctx,
		adapter:      opts.Adapter,
		deviceName:   truncateName(opts.DeviceName, maxAdvertisedNameLen),
		discoverable: opts.Discoverable,
		services:     Services(gctx),
		fatal:        make(chan error, 1),
	}
}

// Context exposes the gateway's shared characteristic context.
func (g *Gateway) Context() *Context {
	return g.gctx
}

// Fatal delivers the error that forced the gateway down, if any.
func (g *Gateway) Fatal() <-chan error {
	return g.fatal
}

var serverOptions = []gatt.Option{
	gatt.LnxMaxConnections(1),
	gatt.LnxSetAdvertisingParameters(&cmd.LESetAdvertisingParameters{
		AdvertisingIntervalMin: 0x00f4,
		AdvertisingIntervalMax: 0x00f4,
		AdvertisingChannelMap:  0x7,
	}),
}

// Start opens the adapter and registers the application once the
// stack reports powered-on. Registration failures are reported via
// Fatal and trigger an orderly shutdown rather than a crash: the
// usual cause is stale radio state held by another process.
func (g *Gateway) Start() error {
	opts := append([]gatt.Option{gatt.LnxDeviceID(adapterIndex(g.adapter), true)}, serverOptions...)
	d, err := gatt.NewDevice(opts...)
	if err != nil {
		return errors.Wrapf(err, "could not open adapter %s", g.adapter)
	}

	g.mu.Lock()
	g.device = d
	g.mu.Unlock()

	d.Handle(
		gatt.CentralConnected(func(c gatt.Central) {
			log.Infof("central connected: %s (MTU %d)", c.ID(), c.MTU())
			g.mu.Lock()
			g.central = &c
			g.mu.Unlock()
			g.gctx.SetMTU(c.MTU())
			g.gctx.emit(Event{Type: "connected", Central: c.ID()})
		}),
		gatt.CentralDisconnected(func(c gatt.Central) {
			log.Infof("central disconnected: %s", c.ID())
			g.mu.Lock()
			g.central = nil
			g.mu.Unlock()
			// Pairing grants die with the connection. Accumulator
			// state deliberately does not (see pkg/protocol).
			g.gctx.RevokePaired(c.ID())
			g.gctx.emit(Event{Type: "disconnected", Central: c.ID()})
		}),
	)

	onStateChanged := func(d gatt.Device, s gatt.State) {
		log.Infof("bluetooth state: %s", s)
		switch s {
		case gatt.StatePoweredOn:
			g.register(d)
		default:
		}
	}

	if err := d.Init(onStateChanged); err != nil {
		return errors.Wrap(err, "could not initialize bluetooth stack")
	}
	return nil
}

func (g *Gateway) register(d gatt.Device) {
	for _, svc := range g.services {
		if err := d.AddService(svc.build()); err != nil {
			g.fail(errors.Wrapf(err, "could not register %s service", svc.Name))
			return
		}
		log.Infof("registered %s service %s (%d characteristics)",
			svc.Name, svc.UUID(), len(svc.Characteristics))
	}

	if err := g.advertise(d); err != nil {
		g.fail(errors.Wrap(err,
			"could not start advertising; if another process owns the radio, stop it or reset the adapter"))
		return
	}

	log.Infof("gateway advertising as %q, primary service %s", g.deviceName, g.services[0].UUID())
}

func (g *Gateway) advertise(d gatt.Device) error {
	advPacket := &gatt.AdvPacket{}
	if g.discoverable {
		advPacket.AppendFlags(0x06) // LE General Discoverable | BR/EDR not supported
	} else {
		advPacket.AppendFlags(0x04) // BR/EDR not supported
	}

	// Only the primary service fits the legacy budget; the rest are
	// discovered after connecting. No TX power field.
	var primary *Service
	for _, svc := range g.services {
		if svc.Primary {
			primary = svc
			break
		}
	}
	if primary == nil {
		return errors.New("no primary service configured")
	}
	advPacket.AppendUUIDFit([]gatt.UUID{gatt.MustParseUUID(primary.UUID())})

	scanPacket := &gatt.AdvPacket{}
	scanPacket.AppendName(g.deviceName)

	if err := d.Option(
		gatt.LnxSetAdvertisingData(&cmd.LESetAdvertisingData{
			AdvertisingDataLength: uint8(advPacket.Len()),
			AdvertisingData:       advPacket.Bytes(),
		}),
		gatt.LnxSetScanResponseData(&cmd.LESetScanResponseData{
			ScanResponseDataLength: uint8(scanPacket.Len()),
			ScanResponseData:       scanPacket.Bytes(),
		}),
	); err != nil {
		return err
	}

	return d.Option(gatt.LnxSetAdvertisingEnable(true))
}

func (g *Gateway) fail(err error) {
	log.Errorf("gateway: %v", err)
	select {
	case g.fatal <- err:
	default:
	}
	g.Stop()
}

// Stop unregisters the advertisement, drops the connection, closes
// the API bridge and stops the dispatch loop. Safe to call multiple
// times.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		log.Info("stopping gateway")

		g.mu.Lock()
		d := g.device
		central := g.central
		g.central = nil
		g.mu.Unlock()

		if d != nil {
			if err := d.RemoveAllServices(); err != nil {
				log.Debugf("error unregistering services: %v", err)
			}
			if err := d.Option(gatt.LnxSetAdvertisingEnable(false)); err != nil {
				log.Debugf("error disabling advertising: %v", err)
			}
		}
		if central != nil {
			if err := (*central).Close(); err != nil {
				log.Debugf("error closing central connection: %v", err)
			}
		}

		g.gctx.Loop.Stop()
		g.gctx.API.Close()
	})
}

// State reports the gateway's view of the connection for the monitor.
func (g *Gateway) State() map[string]interface{} {
	g.mu.Lock()
	central := g.central
	g.mu.Unlock()

	state := map[string]interface{}{
		"connected":        central != nil,
		"mtu":              g.gctx.MTU(),
		"pairing_required": g.gctx.PairingRequired,
		"device_name":      g.deviceName,
	}
	if central != nil {
		id := (*central).ID()
		state["central"] = id
		state["paired"] = g.gctx.IsPaired(id)
	}
	return state
}

// AllowPairing grants the currently connected central access to
// pairing-gated characteristics.
func (g *Gateway) AllowPairing() error {
	g.mu.Lock()
	central := g.central
	g.mu.Unlock()

	if central == nil {
		return errors.New("no central connected")
	}
	id := (*central).ID()
	g.gctx.MarkPaired(id)
	log.Infof("central %s marked as paired", id)
	return nil
}

// RevokePairing clears the connected central's pairing grant.
func (g *Gateway) RevokePairing() {
	g.mu.Lock()
	central := g.central
	g.mu.Unlock()

	if central != nil {
		g.gctx.RevokePaired((*central).ID())
	}
}

func truncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	// Never cut through a multi-byte rune.
	for max > 0 && !utf8.RuneStart(name[max]) {
		max--
	}
	return name[:max]
}

func adapterIndex(adapter string) int {
	s := strings.TrimPrefix(adapter, "hci")
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return -1
}
