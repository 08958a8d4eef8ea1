package main

import (
	"fmt"
	"time"
)

// Config holds parameters for the simulator.
type Config struct {
	Broker       string
	Banks        int
	Hospitals    int
	UnitsPerBank int
	Donors       int
	AckLatency   time.Duration
	TransitDelay time.Duration
	DropRate     float64
	RejectRate   float64
	FeedInterval time.Duration
	Seed         int64
	Verbose      bool
}

// Validate checks the simulator parameters.
func (c *Config) Validate() error {
	if c.Banks <= 0 && c.Hospitals <= 0 {
		return fmt.Errorf("network needs at least one location")
	}
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("drop-rate must be in [0,1]")
	}
	if c.RejectRate < 0 || c.RejectRate > 1 {
		return fmt.Errorf("reject-rate must be in [0,1]")
	}
	return nil
}
