// Package identity registers the application, device and session with the
// collector. Every step is a get-or-insert on the collector side, so running
// the sequence again after a reconnect yields the same application and
// device ids and a fresh session.
package identity

import (
	"context"
	"encoding/base32"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/loggysh/loggy-go/agent/internal/device"
	"github.com/loggysh/loggy-go/agent/internal/settings"
	"github.com/loggysh/loggy-go/pkg/wire"
)

// Registration is the outcome of a successful Register.
type Registration struct {
	AppID     string
	DeviceID  string
	SessionID int32
}

// Registrar runs the registration sequence.
type Registrar struct {
	// AppKey identifies the application to the collector.
	AppKey   string
	Info     device.Info
	Settings *settings.Store
	Logger   *slog.Logger
}

// Register performs, in order: application get-or-insert, device
// get-or-insert, session insert (carrying any stored user identity) and
// live-session registration. The remote application and device ids are
// persisted to the settings record. Any failure aborts the sequence and is
// returned wrapped.
func (r *Registrar) Register(ctx context.Context, client wire.LoggyServiceClient) (Registration, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	installID, err := r.Settings.InstallID(ctx, device.NewInstallID)
	if err != nil {
		return Registration{}, fmt.Errorf("identity: install id: %w", err)
	}

	logger.Debug("identity: register application", "key", r.AppKey)
	app, err := client.GetOrInsertApplication(ctx, &wire.Application{
		Key:        r.AppKey,
		Descriptor: r.Info.ApplicationDescriptor(),
	})
	if err != nil {
		return Registration{}, fmt.Errorf("identity: application: %w", err)
	}

	logger.Debug("identity: register device", "app_id", app.ID, "install_id", installID)
	dev, err := client.GetOrInsertDevice(ctx, &wire.Device{
		AppID:      app.ID,
		InstallID:  installID,
		Descriptor: r.Info.DeviceDescriptor(),
	})
	if err != nil {
		return Registration{}, fmt.Errorf("identity: device: %w", err)
	}

	st, err := r.Settings.Update(ctx, func(s *settings.Settings) {
		s.AppID = app.ID
		s.DeviceID = dev.ID
	})
	if err != nil {
		return Registration{}, fmt.Errorf("identity: persist ids: %w", err)
	}

	logger.Debug("identity: insert session", "app_id", app.ID, "device_id", dev.ID)
	sid, err := client.InsertSession(ctx, &wire.Session{
		AppID:    app.ID,
		DeviceID: dev.ID,
		UserID:   st.UserID,
		Email:    st.Email,
		UserName: st.UserName,
	})
	if err != nil {
		return Registration{}, fmt.Errorf("identity: session: %w", err)
	}

	logger.Debug("identity: register live session", "session_id", sid.ID)
	if _, err := client.RegisterSend(ctx, &wire.SessionID{ID: sid.ID}); err != nil {
		return Registration{}, fmt.Errorf("identity: register send: %w", err)
	}

	return Registration{AppID: app.ID, DeviceID: dev.ID, SessionID: sid.ID}, nil
}

var hashEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// DeviceHash returns a short human-readable support code for a device:
// "<app>/<device>", each half the first 5 bytes of a BLAKE3 digest in
// lowercase base32. Empty ids yield an empty code.
func DeviceHash(appID, deviceID string) string {
	if appID == "" || deviceID == "" {
		return ""
	}
	return shortHash(appID) + "/" + shortHash(appID+"\x00"+deviceID)
}

func shortHash(s string) string {
	sum := blake3.Sum256([]byte(s))
	return strings.ToLower(hashEncoding.EncodeToString(sum[:5]))
}
