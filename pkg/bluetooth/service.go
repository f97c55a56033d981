package bluetooth

import (
	"context"

	"github.com/paypal/gatt"

	"github.com/tsos/blegateway/pkg/protocol"
)

// Service groups characteristics under one slot-derived UUID. The
// system service is primary: it is the one UUID carried in the
// advertisement, the rest are found through discovery after
// connecting.
type Service struct {
	Name            string
	Slot            uint16
	Primary         bool
	Characteristics []Characteristic
}

// UUID returns the service's 128-bit identifier.
func (s *Service) UUID() string {
	return protocol.SlotUUID(s.Slot)
}

func (s *Service) build() *gatt.Service {
	svc := gatt.NewService(gatt.MustParseUUID(s.UUID()))
	for _, c := range s.Characteristics {
		c.attach(svc)
	}
	return svc
}

// Services assembles the full application: every characteristic bound
// to its configuration-API operation through the shared context.
func Services(gctx *Context) []*Service {
	return []*Service{
		systemService(gctx),
		processControlService(gctx),
		uploadService(gctx),
	}
}

func systemService(gctx *Context) *Service {
	return &Service{
		Name:    "system",
		Slot:    protocol.SlotSystemService,
		Primary: true,
		Characteristics: []Characteristic{
			NewReadCharacteristic(protocol.SlotSystemStatus, "system-status", gctx, protocol.ContentTypeJSON,
				func(ctx context.Context) (interface{}, error) {
					return gctx.API.SystemStatus(ctx)
				}),
			NewReadCharacteristic(protocol.SlotServerMode, "server-mode", gctx, protocol.ContentTypeJSON,
				func(ctx context.Context) (interface{}, error) {
					return gctx.API.ServerMode(ctx)
				}),
			NewReadCharacteristic(protocol.SlotTimeStatus, "time-status", gctx, protocol.ContentTypeJSON,
				func(ctx context.Context) (interface{}, error) {
					return gctx.API.TimeStatus(ctx)
				}),
			// A read carries no request payload, so the listing cannot
			// be scoped to a config group over BLE; the group filter is
			// only reachable through the upload characteristics.
			NewReadCharacteristic(protocol.SlotAvailableServices, "available-services", gctx, protocol.ContentTypeJSON,
				func(ctx context.Context) (interface{}, error) {
					return gctx.API.AvailableServices(ctx, "")
				}),
		},
	}
}

func processControlService(gctx *Context) *Service {
	return &Service{
		Name: "process-control",
		Slot: protocol.SlotProcessService,
		Characteristics: []Characteristic{
			NewReadCharacteristic(protocol.SlotListProcesses, "list-processes", gctx, protocol.ContentTypeJSON,
				func(ctx context.Context) (interface{}, error) {
					return gctx.API.ListServices(ctx)
				}),
			NewWriteCharacteristic(protocol.SlotProcessAction, "process-action", gctx, true,
				func(body map[string]interface{}) error {
					return protocol.RequireFields(body, "service", "action")
				},
				func(ctx context.Context, body map[string]interface{}) (interface{}, error) {
					service, err := protocol.StringField(body, "service")
					if err != nil {
						return nil, err
					}
					action, err := protocol.StringField(body, "action")
					if err != nil {
						return nil, err
					}
					return gctx.API.ServiceAction(ctx, service, action)
				}),
			NewWriteCharacteristic(protocol.SlotReboot, "reboot", gctx, true, nil,
				func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
					return gctx.API.Reboot(ctx)
				}),
			NewWriteCharacteristic(protocol.SlotLogs, "logs", gctx, false,
				func(body map[string]interface{}) error {
					return protocol.RequireFields(body, "service")
				},
				func(ctx context.Context, body map[string]interface{}) (interface{}, error) {
					service, err := protocol.StringField(body, "service")
					if err != nil {
						return nil, err
					}
					lines := protocol.OptionalInt(body, "lines", 100)
					return gctx.API.Logs(ctx, service, lines)
				}),
		},
	}
}

func uploadService(gctx *Context) *Service {
	return &Service{
		Name: "upload",
		Slot: protocol.SlotUploadService,
		Characteristics: []Characteristic{
			NewWriteCharacteristic(protocol.SlotUploadFile, "upload-file", gctx, true,
				func(body map[string]interface{}) error {
					return protocol.RequireFields(body, "filename", "content")
				},
				func(ctx context.Context, body map[string]interface{}) (interface{}, error) {
					filename, err := protocol.StringField(body, "filename")
					if err != nil {
						return nil, err
					}
					content, err := protocol.StringField(body, "content")
					if err != nil {
						return nil, err
					}
					restart := protocol.OptionalString(body, "restart_service", "")
					group := protocol.OptionalString(body, "config_group", "")
					return gctx.API.UploadFile(ctx, filename, []byte(content), restart, group)
				}),
			NewWriteCharacteristic(protocol.SlotUploadZip, "upload-zip", gctx, true,
				func(body map[string]interface{}) error {
					return protocol.RequireFields(body, "filename", "content")
				},
				func(ctx context.Context, body map[string]interface{}) (interface{}, error) {
					filename, err := protocol.StringField(body, "filename")
					if err != nil {
						return nil, err
					}
					content, err := protocol.StringField(body, "content")
					if err != nil {
						return nil, err
					}
					restart := protocol.OptionalBool(body, "restart_services", true)
					pedantic := protocol.OptionalBool(body, "pedantic", false)
					return gctx.API.UploadZip(ctx, filename, []byte(content), restart, pedantic)
				}),
		},
	}
}
