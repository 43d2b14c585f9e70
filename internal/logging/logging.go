// Package logging configures the standard logger to write to stdout and a
// size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the log sink. Zero values fall back to the
// NETCTL_LOG_* environment variables and then to defaults.
type Options struct {
	// Dir holds <app>.log. Empty means a logs directory next to the
	// executable.
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Debug      bool
	// Stdout is also written to unless Quiet is set.
	Quiet bool
}

var debug atomic.Bool

// Setup points the standard logger at stdout and <dir>/<app>.log. The
// returned closer flushes and closes the file.
func Setup(app string, opts Options) (io.Closer, error) {
	dir := opts.Dir
	if dir == "" {
		dir = os.Getenv("NETCTL_LOG_DIR")
	}
	if dir == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		dir = filepath.Join(filepath.Dir(exe), "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, app+".log"),
		MaxSize:    pick(opts.MaxSizeMB, "NETCTL_LOG_MAX_SIZE_MB", 20),
		MaxBackups: pick(opts.MaxBackups, "NETCTL_LOG_MAX_BACKUPS", 5),
		MaxAge:     pick(opts.MaxAgeDays, "NETCTL_LOG_MAX_AGE_DAYS", 7),
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if opts.Quiet {
		log.SetOutput(w)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, w))
	}
	SetDebug(opts.Debug || os.Getenv("NETCTL_DEBUG") != "")
	return w, nil
}

// SetDebug toggles Debugf output.
func SetDebug(on bool) { debug.Store(on) }

// DebugEnabled reports whether Debugf writes anything.
func DebugEnabled() bool { return debug.Load() }

// Debugf logs through the standard logger when debug output is on.
func Debugf(format string, args ...any) {
	if !debug.Load() {
		return
	}
	_ = log.Output(2, "[DEBUG] "+fmt.Sprintf(format, args...))
}

func pick(v int, env string, def int) int {
	if v > 0 {
		return v
	}
	if s := os.Getenv(env); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}
