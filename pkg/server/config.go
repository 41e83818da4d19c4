package server

import (
	"net/http"
	"time"
)

// Config holds configuration for the collaboration server. Zero fields
// are filled with defaults by New.
type Config struct {
	// Address is the address to listen on (e.g. ":8080").
	// Default: ":8080".
	Address string

	// RoomCapacity is the maximum connection count per room.
	// Default: 10.
	RoomCapacity int

	// IdleTimeout closes a connection that has not sent anything.
	// Default: 5 minutes.
	IdleTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is the time between server-initiated pings.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// AwarenessExpiry is how long a presence entry survives without a
	// refresh. Default: 60 seconds.
	AwarenessExpiry time.Duration

	// TeardownGrace is how long an empty room survives before it is
	// removed, absorbing rapid reconnects such as a page refresh.
	// Default: 60 seconds.
	TeardownGrace time.Duration

	// SaveInterval is both the periodic-save cadence and the minimum
	// spacing between saves of one room. Default: 30 seconds.
	SaveInterval time.Duration

	// MaintenanceInterval is the cadence of the stale-awareness sweep.
	// Default: 60 seconds.
	MaintenanceInterval time.Duration

	// MetricsInterval is the cadence of the room/connection count
	// report. Default: 5 minutes.
	MetricsInterval time.Duration

	// SaveTimeout bounds one call into the persistence bridge.
	// Default: 10 seconds.
	SaveTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown. Default: 15 seconds.
	ShutdownTimeout time.Duration

	// ReadBufferSize is the WebSocket read buffer size. Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin validates the upgrade request origin. Default:
	// accept all origins (the deployment fronts this with its own
	// origin policy).
	CheckOrigin func(*http.Request) bool
}

// DefaultConfig returns a Config with the standard limits.
func DefaultConfig() *Config {
	return &Config{
		Address:             ":8080",
		RoomCapacity:        10,
		IdleTimeout:         5 * time.Minute,
		WriteTimeout:        10 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		AwarenessExpiry:     60 * time.Second,
		TeardownGrace:       60 * time.Second,
		SaveInterval:        30 * time.Second,
		MaintenanceInterval: 60 * time.Second,
		MetricsInterval:     5 * time.Minute,
		SaveTimeout:         10 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		ReadBufferSize:      4096,
		WriteBufferSize:     4096,
		CheckOrigin:         func(*http.Request) bool { return true },
	}
}

func (c *Config) fillDefaults() {
	defaults := DefaultConfig()
	if c.Address == "" {
		c.Address = defaults.Address
	}
	if c.RoomCapacity == 0 {
		c.RoomCapacity = defaults.RoomCapacity
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.AwarenessExpiry == 0 {
		c.AwarenessExpiry = defaults.AwarenessExpiry
	}
	if c.TeardownGrace == 0 {
		c.TeardownGrace = defaults.TeardownGrace
	}
	if c.SaveInterval == 0 {
		c.SaveInterval = defaults.SaveInterval
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = defaults.MaintenanceInterval
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = defaults.MetricsInterval
	}
	if c.SaveTimeout == 0 {
		c.SaveTimeout = defaults.SaveTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaults.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = defaults.CheckOrigin
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}
