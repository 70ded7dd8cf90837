package eventhook

import (
	"fmt"
	"time"
)

const (
	// ProtocolVersion identifies the intake contract reported via /healthz.
	ProtocolVersion = "1.0.0"

	defaultHost         = "127.0.0.1"
	defaultPort         = 8765
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultDedupeWindow = 1024
)

// Settings configure the event intake server.
type Settings struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// DedupeWindow bounds how many recent event IDs are remembered for
	// duplicate delivery suppression.
	DedupeWindow int
}

// DefaultSettings returns the conventional local intake configuration.
func DefaultSettings() Settings {
	return Settings{
		Host:         defaultHost,
		Port:         defaultPort,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
		DedupeWindow: defaultDedupeWindow,
	}
}

// Normalized fills zero fields with defaults.
func (s Settings) Normalized() Settings {
	defaults := DefaultSettings()
	if s.Host == "" {
		s.Host = defaults.Host
	}
	if s.Port <= 0 {
		s.Port = defaults.Port
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = defaults.ReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaults.WriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = defaults.IdleTimeout
	}
	if s.DedupeWindow <= 0 {
		s.DedupeWindow = defaults.DedupeWindow
	}
	return s
}

// Address renders the host:port listen address.
func (s Settings) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
