// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// SyslogConfig configures forwarding of the structured log stream to a
// remote syslog collector. It is independent of the control-plane protocol;
// kzorp never persists configuration, but logging destinations are process
// startup parameters, not entities a peer can push.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns the conservative, disabled-by-default config.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "kzorp",
		Facility: 1,
	}
}

// syslogWriter is an io.Writer that forwards each Write to a syslog collector
// over a persistent connection, reconnecting lazily on failure.
type syslogWriter struct {
	conn     net.Conn
	protocol string
	addr     string
	tag      string
	facility int
}

// NewSyslogWriter dials the configured syslog collector and returns a writer
// suitable for slog.NewJSONHandler(w, ...).
func NewSyslogWriter(cfg SyslogConfig) (io.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host must not be empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "kzorp"
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog %s://%s: %w", cfg.Protocol, addr, err)
	}

	return &syslogWriter{
		conn:     conn,
		protocol: cfg.Protocol,
		addr:     addr,
		tag:      cfg.Tag,
		facility: cfg.Facility,
	}, nil
}

func (w *syslogWriter) Write(p []byte) (int, error) {
	priority := w.facility*8 + int(slog.LevelInfo)/4 + 6
	msg := fmt.Sprintf("<%d>%s %s: %s", priority, time.Now().Format(time.RFC3339), w.tag, p)

	if _, err := w.conn.Write([]byte(msg)); err != nil {
		conn, dialErr := net.DialTimeout(w.protocol, w.addr, 5*time.Second)
		if dialErr != nil {
			return 0, fmt.Errorf("logging: syslog write failed and reconnect failed: %w", dialErr)
		}
		w.conn = conn
		_, err = w.conn.Write([]byte(msg))
		if err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
