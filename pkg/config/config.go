// Package config loads service configuration from the environment into
// struct-tagged config types.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// MustParseEnv is ParseEnv for service mains, where a bad environment
// should stop the process before it binds a port.
func MustParseEnv(target any) {
	if err := ParseEnv(target); err != nil {
		panic(err)
	}
}
