package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/juanpablocruz/ngchs/pkg/wire"
)

// Config holds the scheduling constants of the engine. Ranges are
// [Min, Min+Add).
type Config struct {
	FirstRequestMin time.Duration `yaml:"first_request_min"`
	FirstRequestAdd time.Duration `yaml:"first_request_add"`

	NextRequestMin time.Duration `yaml:"next_request_min"`
	NextRequestAdd time.Duration `yaml:"next_request_add"`

	BetweenSyncsMin time.Duration `yaml:"between_syncs_min"`
	BetweenSyncsAdd time.Duration `yaml:"between_syncs_add"`

	// MaxAgeDifference is how far apart two timestamps of the same
	// message id and sender may be before they are different messages.
	MaxAgeDifference time.Duration `yaml:"max_age_difference"`
	// MaxFuture is how far ahead of our clock a timestamp may be.
	MaxFuture time.Duration `yaml:"max_future"`

	MaxPacketLength int `yaml:"max_packet_length"`

	// Seed for the jitter source, 0 picks one from the clock.
	Seed int64 `yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		FirstRequestMin:  5 * time.Second,
		FirstRequestAdd:  6 * time.Second,
		NextRequestMin:   30 * time.Minute,
		NextRequestAdd:   34 * time.Minute,
		BetweenSyncsMin:  300 * time.Millisecond,
		BetweenSyncsAdd:  300 * time.Millisecond,
		MaxAgeDifference: 130 * time.Minute,
		MaxFuture:        time.Minute,
		MaxPacketLength:  1373,
	}
}

func (c Config) Validate() error {
	var errs []error
	nonNeg := func(name string, d time.Duration) {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative: %s", name, d))
		}
	}
	nonNeg("first_request_min", c.FirstRequestMin)
	nonNeg("first_request_add", c.FirstRequestAdd)
	nonNeg("next_request_add", c.NextRequestAdd)
	nonNeg("between_syncs_min", c.BetweenSyncsMin)
	nonNeg("between_syncs_add", c.BetweenSyncsAdd)
	nonNeg("max_future", c.MaxFuture)
	if c.NextRequestMin <= 0 {
		errs = append(errs, fmt.Errorf("next_request_min must be positive: %s", c.NextRequestMin))
	}
	if c.MaxAgeDifference <= 0 {
		errs = append(errs, fmt.Errorf("max_age_difference must be positive: %s", c.MaxAgeDifference))
	}
	if c.MaxPacketLength <= wire.SyncPrefixSize {
		errs = append(errs, fmt.Errorf("max_packet_length must exceed %d: %d", wire.SyncPrefixSize, c.MaxPacketLength))
	}
	return errors.Join(errs...)
}
