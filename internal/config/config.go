// Package config resolves the process's runtime settings from CLI flags
// (cmd/holdd, via github.com/urfave/cli/v2) layered over an optional YAML
// file (github.com/spf13/viper), matching the defaults-then-file-then-flags
// precedence shown in
// _examples/other_examples's flyingrobots-go-redis-work-queue config
// loader. Flags always win: the file is strictly additive, never required.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/nullbound/holdd/internal/wal"
)

// Config bundles every knob spec.md §6's CLI-flag table exposes, plus the
// SPEC_FULL.md ambient additions (metrics listener, verbose logging).
type Config struct {
	WALDir       string // -b; empty disables the WAL
	SyncRate     time.Duration // -f
	NoSync       bool          // -F
	ListenAddr   string        // -l
	ListenPort   int           // -p
	User         string        // -u; documented no-op, see Validate
	MaxJobSize   int           // -z; 0 means unlimited
	SegmentSize  int           // -s
	PreallocMode wal.PreallocMode // -c (native) / -n (classic, default)
	Verbose      bool             // -V
	MetricsAddr  string           // ambient: -metrics-addr, "" disables
}

// Default mirrors original_source/dat.h's compiled-in defaults.
func Default() Config {
	return Config{
		ListenAddr:   "127.0.0.1",
		ListenPort:   11300,
		SyncRate:     wal.DefaultSyncRate,
		SegmentSize:  wal.DefaultFilesize,
		PreallocMode: wal.PreallocClassic,
	}
}

// LoadFile merges an optional YAML config file (path, or $HOLDD_CONFIG if
// path is empty) over cfg's current values. A missing file is not an
// error — the file is additive, per SPEC_FULL.md's ambient-config section.
func LoadFile(cfg *Config, path string) error {
	if path == "" {
		path = os.Getenv("HOLDD_CONFIG")
	}
	if path == "" {
		path = "/etc/holdd/holdd.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if v.IsSet("wal_dir") {
		cfg.WALDir = v.GetString("wal_dir")
	}
	if v.IsSet("sync_rate") {
		cfg.SyncRate = v.GetDuration("sync_rate")
	}
	if v.IsSet("no_sync") {
		cfg.NoSync = v.GetBool("no_sync")
	}
	if v.IsSet("listen_addr") {
		cfg.ListenAddr = v.GetString("listen_addr")
	}
	if v.IsSet("listen_port") {
		cfg.ListenPort = v.GetInt("listen_port")
	}
	if v.IsSet("user") {
		cfg.User = v.GetString("user")
	}
	if v.IsSet("max_job_size") {
		cfg.MaxJobSize = v.GetInt("max_job_size")
	}
	if v.IsSet("segment_size") {
		cfg.SegmentSize = v.GetInt("segment_size")
	}
	if v.IsSet("prealloc_native") && v.GetBool("prealloc_native") {
		cfg.PreallocMode = wal.PreallocNative
	}
	if v.IsSet("verbose") {
		cfg.Verbose = v.GetBool("verbose")
	}
	if v.IsSet("metrics_addr") {
		cfg.MetricsAddr = v.GetString("metrics_addr")
	}
	return nil
}

// Addr formats the listen address as host:port for net.Listen.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

// ExitError pairs a startup error with the process exit code (one of
// spec.md §6's documented codes) that cmd/holdd exits with. cmd/holdd exits
// with 111 ("socket/signal init failure") for any error that is not an
// ExitError.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError wraps err with the process exit code it should produce.
func NewExitError(code int, err error) *ExitError { return &ExitError{Code: code, Err: err} }

// Validate rejects combinations spec.md's flag table can't express
// meaningfully. -u (user-switching) is accepted but deliberately a no-op:
// spec.md §1 excludes user-switching from scope, and this platform target
// doesn't assume the privilege-drop syscalls original_source/main.c's su()
// uses are available or desired; a non-empty -u is logged, not silently
// dropped (see cmd/holdd).
func Validate(c Config) error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return NewExitError(111, fmt.Errorf("listen port %d out of range", c.ListenPort))
	}
	if c.MaxJobSize < 0 {
		return NewExitError(111, fmt.Errorf("max job size must be >= 0"))
	}
	if c.SegmentSize <= 0 {
		return NewExitError(111, fmt.Errorf("segment size must be > 0"))
	}
	return nil
}
