// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"flag"
	"io"

	"github.com/go-kit/log"
	dslog "github.com/grafana/dskit/log"
)

// Config holds the process logger settings.
type Config struct {
	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	_ = cfg.LogLevel.Set("info")
	f.Var(&cfg.LogLevel, "log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&cfg.LogFormat, "log.format", dslog.LogfmtFormat, "Output log messages in the given format. Valid formats: [logfmt, json]")
}

// NewLogger builds a leveled go-kit logger writing to w (os.Stderr if nil),
// decorated with a UTC timestamp and the caller.
func NewLogger(cfg Config, w io.Writer) log.Logger {
	if w != nil {
		w = log.NewSyncWriter(w)
	}
	logger := dslog.NewGoKitWithLevel(cfg.LogLevel, cfg.LogFormat, w)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
}
