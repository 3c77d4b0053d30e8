// Package device supplies the application and device descriptors sent
// during registration. Descriptors are opaque to the engine; Host builds
// them as small JSON maps from what the Go runtime can observe.
package device

import (
	"encoding/json"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// Info produces the registration descriptors.
type Info interface {
	ApplicationDescriptor() []byte
	DeviceDescriptor() []byte
}

// Host describes the current process and machine.
type Host struct {
	AppName    string
	AppVersion string

	// InstallID is the stable per-installation id. It is included in the
	// device descriptor so the collector can deduplicate devices.
	InstallID string
}

// ApplicationDescriptor returns {"application_name", "application_version"}.
func (h Host) ApplicationDescriptor() []byte {
	return mustJSON(map[string]string{
		"application_name":    h.AppName,
		"application_version": h.AppVersion,
	})
}

// DeviceDescriptor returns the host's name, platform and runtime.
func (h Host) DeviceDescriptor() []byte {
	name, err := os.Hostname()
	if err != nil {
		name = "unknown"
	}
	return mustJSON(map[string]string{
		"install_id":          h.InstallID,
		"application_name":    h.AppName,
		"application_version": h.AppVersion,
		"device_name":         name,
		"device_type":         runtime.GOOS,
		"device_model":        runtime.GOARCH,
		"os_version":          osVersion(),
		"runtime_version":     runtime.Version(),
	})
}

// NewInstallID returns a fresh random install id.
func NewInstallID() string {
	return uuid.NewString()
}

func osVersion() string {
	if b, err := os.ReadFile("/etc/os-release"); err == nil {
		for _, line := range strings.Split(string(b), "\n") {
			if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
				return strings.Trim(v, `"'`)
			}
		}
	}
	return runtime.GOOS
}

func mustJSON(m map[string]string) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// map[string]string always marshals.
		panic(err)
	}
	return b
}
