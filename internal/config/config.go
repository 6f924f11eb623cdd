// Package config decodes the agent's TOML configuration file into the
// structures consumed by every other package. The Duration wrapper and the
// section layout follow the teacher's settings.go: a thin TextUnmarshaler
// over time.Duration, and a flat set of tagged structs fed straight to
// github.com/midbel/toml.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/midbel/toml"

	"github.com/busoc/coreagent/internal/agenterr"
)

// Duration adapts time.Duration for toml decoding, exactly like the
// teacher's settings.go Duration type.
type Duration struct {
	time.Duration
}

func (d *Duration) String() string {
	return d.Duration.String()
}

func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err == nil {
		d.Duration = v
	}
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	return d.Set(string(b))
}

// Station identifies this core station and whether it runs duty-cycled.
type Station struct {
	DeviceID  uint32 `toml:"device-id"`
	DutyCycle bool   `toml:"duty-cycle"`
}

// Schedule configures the persisted schedule and the wait budgets the
// top-level loop and shutdown orchestrator are bound by.
type Schedule struct {
	RawFile    string `toml:"raw-file"`
	SnapFile   string `toml:"snapshot-file"`

	MaxGSNConnectWait    Duration `toml:"max-gsn-connect-wait"`
	MaxGSNGetScheduleWait Duration `toml:"max-gsn-get-schedule-wait"`
	MaxNextScheduleWait  Duration `toml:"max-next-schedule-wait"`
	MaxNextScheduleWaitDelta Duration `toml:"max-next-schedule-wait-delta"`
	MaxDBResendRuntime   Duration `toml:"max-db-resend-runtime"`
	HardShutdownOffset   Duration `toml:"hard-shutdown-offset"`
	ApproximateStartup   Duration `toml:"approximate-startup"`
	OverallMaxJobRuntime Duration `toml:"overall-max-job-runtime"`
}

// TOS configures the TOS serial/network peer and TOSLink's own timeouts.
type TOS struct {
	Address         string   `toml:"address"`
	CommandTimeout  Duration `toml:"command-timeout"`
	MaxRetries      int      `toml:"max-retries"`
	PingInterval    Duration `toml:"ping-interval"`
	WatchdogTimeout Duration `toml:"watchdog-timeout"`
}

// GSN configures the GSN transport peer.
type GSN struct {
	Address        string   `toml:"address"`
	BackoffInitial Duration `toml:"backoff-initial"`
	BackoffMax     Duration `toml:"backoff-max"`
}

// Watch mirrors the data model's Watch tuple.
type Watch struct {
	RelativePath string `toml:"relative-path"`
	StorageKind  string `toml:"storage-kind"`
	DeviceID     uint32 `toml:"device-id"`
	DateFormat   string `toml:"date-format"`
}

// Xfer configures the binary transfer engine.
type Xfer struct {
	RootDir         string   `toml:"root-dir"`
	Watches         []Watch  `toml:"watch"`
	ChunkSize       int      `toml:"chunk-size"`
	ResendInterval  Duration `toml:"resend-interval"`
	WaitMinForFile  Duration `toml:"wait-min-for-file"`
	RefuseInitMidTransfer bool `toml:"refuse-init-mid-transfer"`
}

// Metrics configures the Prometheus exporter.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Config is the full decoded configuration tree.
type Config struct {
	Station  Station  `toml:"station"`
	Schedule Schedule `toml:"schedule"`
	TOS      TOS      `toml:"tos"`
	GSN      GSN      `toml:"gsn"`
	Xfer     Xfer     `toml:"xfer"`
	Metrics  Metrics  `toml:"metrics"`
}

// Default returns a configuration with the budgets named in the
// specification filled with conservative defaults, mirroring the teacher's
// Default() constructor in assist.go.
func Default() *Config {
	var c Config
	c.Schedule.RawFile = "/var/lib/coreagent/schedule.txt"
	c.Schedule.SnapFile = "/var/lib/coreagent/schedule.snap"
	c.Schedule.MaxGSNConnectWait = Duration{5 * time.Minute}
	c.Schedule.MaxGSNGetScheduleWait = Duration{10 * time.Minute}
	c.Schedule.MaxNextScheduleWait = Duration{15 * time.Minute}
	c.Schedule.MaxNextScheduleWaitDelta = Duration{2 * time.Minute}
	c.Schedule.MaxDBResendRuntime = Duration{20 * time.Minute}
	c.Schedule.HardShutdownOffset = Duration{time.Minute}
	c.Schedule.ApproximateStartup = Duration{30 * time.Second}
	c.Schedule.OverallMaxJobRuntime = Duration{30 * time.Minute}

	c.TOS.CommandTimeout = Duration{3 * time.Second}
	c.TOS.MaxRetries = 5
	c.TOS.PingInterval = Duration{60 * time.Second}
	c.TOS.WatchdogTimeout = Duration{300 * time.Second}

	c.GSN.BackoffInitial = Duration{time.Second}
	c.GSN.BackoffMax = Duration{60 * time.Second}

	c.Xfer.ChunkSize = 64000
	c.Xfer.ResendInterval = Duration{30 * time.Second}

	c.Metrics.Listen = ":9090"
	return &c
}

// Load decodes file on top of Default(), matching the teacher's
// loadFromConfig pattern of decoding into a pre-seeded struct.
func Load(file string) (*Config, error) {
	c := Default()
	if err := toml.DecodeFile(file, c); err != nil {
		return nil, agenterr.BadUsage("invalid configuration file: %v", err)
	}
	if c.Station.DeviceID == 0 {
		return nil, agenterr.BadUsage("station: device-id is required")
	}
	return c, nil
}

// ParseWatch decodes the comma-separated 4-tuple override format described
// in the external interfaces section: relative_path,storage_kind,device_id,date_format.
func ParseWatch(s string, defaultDevice uint32) (Watch, error) {
	var w Watch
	fields := strings.SplitN(s, ",", 4)
	if len(fields) == 0 || fields[0] == "" {
		return w, agenterr.BadUsage("watch: relative path is required")
	}
	w.RelativePath = fields[0]
	if !strings.HasSuffix(w.RelativePath, "/") {
		w.RelativePath += "/"
	}
	w.StorageKind = "FS"
	w.DeviceID = defaultDevice
	w.DateFormat = "yyyy-MM-dd"

	if len(fields) > 1 && fields[1] != "" {
		w.StorageKind = strings.ToUpper(fields[1])
	}
	if len(fields) > 2 && fields[2] != "" {
		v, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return w, agenterr.BadUsage("watch: invalid device id %q", fields[2])
		}
		w.DeviceID = uint32(v)
	}
	if len(fields) > 3 && fields[3] != "" {
		w.DateFormat = fields[3]
	}
	if len(w.DateFormat) > 255 {
		w.DateFormat = w.DateFormat[:255]
	}
	return w, nil
}

// Dump logs the effective settings at startup, mirroring dumpSettings in
// the teacher's settings.go.
func (c *Config) Dump(logf func(string, ...interface{})) {
	logf("station: device-id=%d duty-cycle=%v", c.Station.DeviceID, c.Station.DutyCycle)
	logf("schedule: max-gsn-connect-wait=%s max-gsn-get-schedule-wait=%s", c.Schedule.MaxGSNConnectWait.Duration, c.Schedule.MaxGSNGetScheduleWait.Duration)
	logf("schedule: max-next-schedule-wait=%s hard-shutdown-offset=%s", c.Schedule.MaxNextScheduleWait.Duration, c.Schedule.HardShutdownOffset.Duration)
	logf("tos: address=%s command-timeout=%s max-retries=%d", c.TOS.Address, c.TOS.CommandTimeout.Duration, c.TOS.MaxRetries)
	logf("gsn: address=%s", c.GSN.Address)
	logf("xfer: root-dir=%s chunk-size=%d watches=%d", c.Xfer.RootDir, c.Xfer.ChunkSize, len(c.Xfer.Watches))
}

// String renders a Watch back to the 4-tuple form, for echoing/logging.
func (w Watch) String() string {
	return fmt.Sprintf("%s,%s,%d,%s", w.RelativePath, w.StorageKind, w.DeviceID, w.DateFormat)
}
