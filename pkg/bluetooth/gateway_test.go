package bluetooth

import (
	"testing"

	"github.com/paypal/gatt"

	"github.com/tsos/blegateway/pkg/apiclient"
)

// fakeDevice stubs the two device calls Stop makes; everything else
// panics via the embedded nil interface.
type fakeDevice struct {
	gatt.Device
	removedServices bool
	options         int
}

func (d *fakeDevice) RemoveAllServices() error {
	d.removedServices = true
	return nil
}

func (d *fakeDevice) Option(opts ...gatt.Option) error {
	d.options += len(opts)
	return nil
}

func TestTruncateName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"station", "station"},
		{"exactly-twenty-chars", "exactly-twenty-chars"},
		{"tsOS tracking station 42", "tsOS tracking statio"},
		// The cut would land inside the second ü; back off to the
		// rune boundary instead of emitting invalid UTF-8.
		{"Vogelstation Südgrün", "Vogelstation Südgr"},
	}

	for _, tt := range tests {
		if got := truncateName(tt.in, maxAdvertisedNameLen); got != tt.want {
			t.Errorf("truncateName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAdapterIndex(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"hci0", 0},
		{"hci1", 1},
		{"", -1},
		{"default", -1},
	}

	for _, tt := range tests {
		if got := adapterIndex(tt.in); got != tt.want {
			t.Errorf("adapterIndex(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestGatewayComposition(t *testing.T) {
	gw := New(Options{
		API:        apiclient.New("http://127.0.0.1:1"),
		Adapter:    "hci0",
		DeviceName: "station",
	})
	defer gw.Stop()

	if len(gw.services) != 3 {
		t.Fatalf("expected 3 services, got %d", len(gw.services))
	}

	var primaries int
	for _, svc := range gw.services {
		if svc.Primary {
			primaries++
		}
		if len(svc.Characteristics) == 0 {
			t.Errorf("service %s has no characteristics", svc.Name)
		}
	}
	if primaries != 1 {
		t.Errorf("expected exactly 1 primary service, got %d", primaries)
	}
}

func TestGatewayStateAndPairingControls(t *testing.T) {
	gw := New(Options{
		API:             apiclient.New("http://127.0.0.1:1"),
		DeviceName:      "station",
		PairingRequired: true,
	})
	defer gw.Stop()

	state := gw.State()
	if state["connected"] != false {
		t.Errorf("fresh gateway reports connected: %v", state)
	}
	if state["pairing_required"] != true {
		t.Errorf("pairing_required missing from state: %v", state)
	}

	if err := gw.AllowPairing(); err == nil {
		t.Error("AllowPairing succeeded with no central connected")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	gw := New(Options{
		API:        apiclient.New("http://127.0.0.1:1"),
		DeviceName: "station",
	})
	gw.Stop()
	gw.Stop()
}

func TestStopUnregistersApplication(t *testing.T) {
	gw := New(Options{
		API:        apiclient.New("http://127.0.0.1:1"),
		DeviceName: "station",
	})

	fd := &fakeDevice{}
	gw.mu.Lock()
	gw.device = fd
	gw.mu.Unlock()

	gw.Stop()

	if !fd.removedServices {
		t.Error("Stop did not unregister the GATT services")
	}
	if fd.options == 0 {
		t.Error("Stop did not disable advertising")
	}
}
