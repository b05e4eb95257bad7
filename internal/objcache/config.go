package objcache

import (
	"fmt"
)

type Config struct {
	NodeFrames		int
	PageFrames		int
	PotReserve		int // page frames only a pot flush may take
	CleanRequests	int // outbound requests in flight at once
	ReadRequests	int // inbound requests in flight at once
}

func DefaultConfig() Config {
	return Config{
		NodeFrames: 	0x100,
		PageFrames: 	0x100,
		PotReserve: 	2,
		CleanRequests: 	8,
		ReadRequests: 	4,
	}
}

// Directory entries needed to survive two overlapping checkpoint generations.
func (cfg Config) DirCapacity() int {
	return 2 * (cfg.NodeFrames + cfg.PageFrames)
}

func (cfg Config) validate() error {
	switch {
	case cfg.NodeFrames < 1 || cfg.PageFrames < 1:
		return fmt.Errorf("%w: empty pool", ErrConfig)
	case cfg.PotReserve < 0 || cfg.PotReserve >= cfg.PageFrames:
		return fmt.Errorf("%w: pot reserve %d of %d pages", ErrConfig, cfg.PotReserve, cfg.PageFrames)
	case cfg.CleanRequests < 1 || cfg.ReadRequests < 1:
		return fmt.Errorf("%w: no io requests", ErrConfig)
	}
	return nil
}
