package device

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// DeviceManager resolves a stable identifier for this agent instance,
// stamped into logs and sent as X-Device-Id on backend calls.
type DeviceManager struct{}

// NewDeviceManager creates a new device manager.
func NewDeviceManager() *DeviceManager {
	return &DeviceManager{}
}

// GetOrGenerateDeviceID returns the configured ID when set, otherwise
// derives one from the host, falling back to a random UUID.
func (dm *DeviceManager) GetOrGenerateDeviceID(existingID string) (string, error) {
	if existingID != "" {
		return existingID, nil
	}

	if id := dm.machineID(); id != "" {
		return id, nil
	}

	return uuid.NewString(), nil
}

// machineID reads the OS machine id where one exists, else falls back
// to the hostname.
func (dm *DeviceManager) machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return strings.TrimSpace(string(data))
		}
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return "host-" + hostname
	}

	return ""
}
