package iptcpstack

import (
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// PortRange is the half-open range [Start, End) of ephemeral ports.
type PortRange struct {
	Start uint16
	End   uint16
}

func (r PortRange) Size() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start)
}

func (r PortRange) Contains(port uint16) bool {
	return port >= r.Start && port < r.End
}

type Config struct {
	PortRange PortRange

	RetransmissionTimeout      time.Duration
	MaxTransmissions           uint8
	RetransmissionScanInterval time.Duration

	// MSS caps the payload of a single segment.
	MSS int

	// Intn draws ephemeral ports. It must be safe for concurrent use.
	Intn func(n int) int

	Logger logrus.FieldLogger
}

func DefaultConfig() Config {
	return Config{
		PortRange:                  PortRange{Start: 40000, End: 60000},
		RetransmissionTimeout:      3 * time.Second,
		MaxTransmissions:           5,
		RetransmissionScanInterval: 100 * time.Millisecond,
		MSS:                        1460,
		Intn:                       rand.Intn,
		Logger:                     logrus.StandardLogger(),
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PortRange.Size() == 0 {
		c.PortRange = d.PortRange
	}
	if c.RetransmissionTimeout <= 0 {
		c.RetransmissionTimeout = d.RetransmissionTimeout
	}
	if c.MaxTransmissions == 0 {
		c.MaxTransmissions = d.MaxTransmissions
	}
	if c.RetransmissionScanInterval <= 0 {
		c.RetransmissionScanInterval = d.RetransmissionScanInterval
	}
	if c.MSS <= 0 {
		c.MSS = d.MSS
	}
	if c.Intn == nil {
		c.Intn = d.Intn
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}
