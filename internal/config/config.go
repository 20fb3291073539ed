// Package config holds the protocol tunables shared by every node of a
// cluster.
package config

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	// Alpha is the pipeline depth: how far past the last committed slot a
	// leader may drive proposals, and the delay (in slots) before a view
	// change takes over voting.
	Alpha int64

	PrepareRetransmit time.Duration
	AcceptRetransmit  time.Duration
	JoinRetransmit    time.Duration
	InvokeRetransmit  time.Duration
	CatchupInterval   time.Duration

	HeartbeatInterval time.Duration
	// HeartbeatGoneCount is how many silent intervals make a peer down.
	HeartbeatGoneCount int

	// MinPeers is the smallest view the cluster is founded with or
	// reconfigures into.
	MinPeers int
}

func Default() Config {
	return Config{
		Alpha:              3,
		PrepareRetransmit:  time.Second,
		AcceptRetransmit:   time.Second,
		JoinRetransmit:     700 * time.Millisecond,
		InvokeRetransmit:   500 * time.Millisecond,
		CatchupInterval:    600 * time.Millisecond,
		HeartbeatInterval:  500 * time.Millisecond,
		HeartbeatGoneCount: 3,
		MinPeers:           3,
	}
}

// HeartbeatTimeout is how long a peer may stay silent before it is reported
// down.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatGoneCount) * c.HeartbeatInterval
}

func (c Config) Validate() error {
	if c.Alpha < 1 {
		return fmt.Errorf("%w: alpha must be at least 1, got %d", ErrInvalid, c.Alpha)
	}
	durations := map[string]time.Duration{
		"prepare retransmit": c.PrepareRetransmit,
		"accept retransmit":  c.AcceptRetransmit,
		"join retransmit":    c.JoinRetransmit,
		"invoke retransmit":  c.InvokeRetransmit,
		"catchup interval":   c.CatchupInterval,
		"heartbeat interval": c.HeartbeatInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, name, d)
		}
	}
	if c.HeartbeatGoneCount < 1 {
		return fmt.Errorf("%w: heartbeat gone count must be at least 1, got %d", ErrInvalid, c.HeartbeatGoneCount)
	}
	if c.MinPeers < 1 {
		return fmt.Errorf("%w: min peers must be at least 1, got %d", ErrInvalid, c.MinPeers)
	}
	return nil
}
