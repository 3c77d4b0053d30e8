package loggy

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"github.com/loggysh/loggy-go/agent/internal/config"
	"github.com/loggysh/loggy-go/agent/internal/crash"
	"github.com/loggysh/loggy-go/agent/internal/device"
	"github.com/loggysh/loggy-go/pkg/types"
)

// Level is the severity of a logged message.
type Level = types.Level

// Severity levels accepted by Log.
const (
	LevelDebug = types.LevelDebug
	LevelInfo  = types.LevelInfo
	LevelWarn  = types.LevelWarn
	LevelError = types.LevelError
	LevelCrash = types.LevelCrash
)

// State is a connection state reported by Status.
type State = types.ConnectionState

// CrashReport describes a recovered panic passed to crash handlers.
type CrashReport = crash.Report

// DeviceInfo supplies the opaque application and device descriptors sent
// during registration.
type DeviceInfo = device.Info

// Backoff selects the reconnect delay policy.
type Backoff struct {
	// Policy is "linear" (the default) or "exponential".
	Policy      string
	Step        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Auth configures transport credentials beyond what the endpoint scheme
// implies.
type Auth struct {
	// Mode is "apikey" (default), "mtls" or "none".
	Mode     string
	CertFile string
	KeyFile  string
	CAFile   string
}

// Options configures an Engine. Only DataDir is required.
type Options struct {
	// DataDir holds loggy.db. It is created if missing.
	DataDir string

	// AppName identifies the application to the collector and is used as
	// its registration key.
	AppName    string
	AppVersion string

	// Info overrides the default host descriptors.
	Info DeviceInfo

	HealthInterval time.Duration
	SettleDelay    time.Duration
	ConnectTimeout time.Duration

	// StreamBuffer is the capacity of the channel feeding the outbound
	// stream. Defaults to 10.
	StreamBuffer int

	// Compression is "zstd" (default) or "none".
	Compression string

	Backoff Backoff
	Auth    Auth

	// Logger receives the engine's own diagnostics. Nil means slog.Default,
	// unless that forwards into an engine through a Handler, in which case
	// diagnostics are dropped.
	Logger *slog.Logger

	// DialOptions are appended to every dial.
	DialOptions []grpc.DialOption

	// chain defaults to crash.Default.
	chain *crash.Chain
}

// OptionsFromConfig maps an agent config file onto engine Options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		DataDir:        cfg.DataDir,
		AppName:        cfg.Application.Name,
		AppVersion:     cfg.Application.Version,
		HealthInterval: cfg.HealthInterval,
		SettleDelay:    cfg.SettleDelay,
		ConnectTimeout: cfg.ConnectTimeout,
		StreamBuffer:   cfg.StreamBuffer,
		Compression:    cfg.Compression,
		Backoff: Backoff{
			Policy:      cfg.Backoff.Policy,
			Step:        cfg.Backoff.Step,
			Max:         cfg.Backoff.Max,
			MaxAttempts: cfg.Backoff.MaxAttempts,
		},
		Auth: Auth{
			Mode:     cfg.Auth.Mode,
			CertFile: cfg.Auth.CertFile,
			KeyFile:  cfg.Auth.KeyFile,
			CAFile:   cfg.Auth.CAFile,
		},
		Logger: logger,
	}
}
