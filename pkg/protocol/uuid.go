package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Every service and characteristic UUID is derived from a 16-bit slot
// number stamped into the same 128-bit template. The high nibble of the
// slot identifies the owning service, the low 12 bits are the
// characteristic ordinal within it (0 for the service itself).
const uuidTemplate = "0000%04x-7b8a-44a2-9c11-d0a975f5c0e1"

// Service slots.
const (
	SlotSystemService  uint16 = 0x1000
	SlotProcessService uint16 = 0x2000
	SlotUploadService  uint16 = 0x3000
)

// Characteristic slots, system service.
const (
	SlotSystemStatus      uint16 = 0x1001
	SlotServerMode        uint16 = 0x1002
	SlotTimeStatus        uint16 = 0x1003
	SlotAvailableServices uint16 = 0x1004
)

// Characteristic slots, process-control service.
const (
	SlotListProcesses uint16 = 0x2001
	SlotProcessAction uint16 = 0x2002
	SlotReboot        uint16 = 0x2003
	SlotLogs          uint16 = 0x2004
)

// Characteristic slots, upload service.
const (
	SlotUploadFile uint16 = 0x3001
	SlotUploadZip  uint16 = 0x3002
)

// SlotUUID returns the 128-bit UUID string for a slot.
func SlotUUID(slot uint16) string {
	return fmt.Sprintf(uuidTemplate, slot)
}

// ServiceIndex returns the service nibble of a slot (1=system,
// 2=process-control, 3=upload).
func ServiceIndex(slot uint16) uint16 {
	return slot >> 12
}

// SameService reports whether a characteristic slot belongs to the
// given service slot.
func SameService(serviceSlot, charSlot uint16) bool {
	return ServiceIndex(serviceSlot) == ServiceIndex(charSlot)
}

// ValidateSlotUUID checks that s is a well-formed UUID produced by the
// slot template.
func ValidateSlotUUID(s string) error {
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	var slot uint16
	if _, err := fmt.Sscanf(s[:8], "0000%04x", &slot); err != nil {
		return fmt.Errorf("uuid %q does not match slot template: %w", s, err)
	}
	if got := SlotUUID(slot); got != u.String() {
		return fmt.Errorf("uuid %q does not match slot template (want %q)", s, got)
	}
	return nil
}
