// Package config loads typed configuration structs from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Load parses environment variables into cfg, applying `envDefault` values
// for anything unset. The cart service and the client engine both declare
// their settings as tagged structs and load them through here.
//
// Example:
//
//	type SyncConfig struct {
//	    Debounce time.Duration `env:"SYNC_DEBOUNCE" envDefault:"2s"`
//	    Cooldown time.Duration `env:"SYNC_COOLDOWN" envDefault:"30s"`
//	}
func Load(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
