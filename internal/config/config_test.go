package config

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
	if c.HeartbeatTimeout() != 1500*time.Millisecond {
		t.Errorf("HeartbeatTimeout = %s", c.HeartbeatTimeout())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"alpha":          func(c *Config) { c.Alpha = 0 },
		"prepare":        func(c *Config) { c.PrepareRetransmit = 0 },
		"catchup":        func(c *Config) { c.CatchupInterval = -time.Second },
		"heartbeat gone": func(c *Config) { c.HeartbeatGoneCount = 0 },
		"min peers":      func(c *Config) { c.MinPeers = 0 },
	}
	for name, mutate := range cases {
		c := Default()
		mutate(&c)
		err := c.Validate()
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}
