// Package dbconfig loads a Pool's YAML configuration, following the
// teacher's internal/config/config.go pattern: unmarshal, validate, apply
// defaults, hand back a ready-to-use struct.
package dbconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tmoreau-dev/connpool/internal/algo"

	connpool "github.com/tmoreau-dev/connpool"
)

// File is the on-disk YAML shape: pool-wide settings plus the list of
// databases to pre-register.
type File struct {
	Pool struct {
		MaxConnections int64         `yaml:"max_connections"`
		MaxAge         time.Duration `yaml:"max_age"`
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		TickInterval   time.Duration `yaml:"tick_interval"`
		Weights        struct {
			Waiting float64 `yaml:"waiting"`
			Active  float64 `yaml:"active"`
			Hunger  float64 `yaml:"hunger"`
		} `yaml:"weights"`
	} `yaml:"pool"`
	Databases []struct {
		Name string `yaml:"name"`
	} `yaml:"databases"`
}

// Load reads and parses path into a connpool.PoolConfig.
func Load(path string) (connpool.PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return connpool.PoolConfig{}, fmt.Errorf("dbconfig: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return connpool.PoolConfig{}, fmt.Errorf("dbconfig: parse %s: %w", path, err)
	}

	cfg := connpool.PoolConfig{
		MaxConnections: f.Pool.MaxConnections,
		MaxAge:         f.Pool.MaxAge,
		IdleTimeout:    f.Pool.IdleTimeout,
		ConnectTimeout: f.Pool.ConnectTimeout,
		TickInterval:   f.Pool.TickInterval,
	}
	for _, db := range f.Databases {
		if db.Name == "" {
			return connpool.PoolConfig{}, fmt.Errorf("dbconfig: %s: database entry missing name", path)
		}
		cfg.Databases = append(cfg.Databases, db.Name)
	}

	if f.Pool.Weights.Waiting != 0 || f.Pool.Weights.Active != 0 || f.Pool.Weights.Hunger != 0 {
		tick := cfg.TickInterval
		if tick <= 0 {
			tick = 50 * time.Millisecond
		}
		cfg.Weights = algo.Weights{
			Waiting:      f.Pool.Weights.Waiting,
			Active:       f.Pool.Weights.Active,
			Hunger:       f.Pool.Weights.Hunger,
			TickInterval: tick,
		}
	}

	if cfg.MaxConnections <= 0 {
		return connpool.PoolConfig{}, fmt.Errorf("dbconfig: %s: pool.max_connections must be > 0", path)
	}
	if len(cfg.Databases) == 0 {
		return connpool.PoolConfig{}, fmt.Errorf("dbconfig: %s: at least one database must be listed", path)
	}

	return cfg, nil
}
