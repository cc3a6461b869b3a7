package main

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Origin URL to proxy to.
	Origin string `yaml:"origin"`
	// Hostname to use for the origin, if it differs from the origin URL.
	Host      string      `yaml:"host"`
	Port      int         `yaml:"port"`
	Bucket    string      `yaml:"bucket"`
	Record    bool        `yaml:"record"`
	KeyScheme string      `yaml:"keyScheme"`
	Store     StoreConfig `yaml:"store"`
	LogFile   string      `yaml:"logFile"`
}

type StoreConfig struct {
	// One of memory, sqlite, redis, dir.
	Type string `yaml:"type"`
	// SQLite file name. Use "memory" for an in-memory db.
	DB string `yaml:"db"`
	// Redis URL, e.g. redis://localhost:6379/0
	Redis       string `yaml:"redis"`
	RedisPrefix string `yaml:"redisPrefix"`
	// Fixture directory.
	Dir string `yaml:"dir"`
}

func defaultConfig() Config {
	return Config{
		Port: 8080,
		Store: StoreConfig{
			Type: "memory",
			DB:   "fixtures.db",
			Dir:  "fixtures",
		},
	}
}

func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// validate checks the settings needed to start the proxy.
func (c Config) validate() error {
	if c.Origin == "" {
		return fmt.Errorf("please specify origin")
	}
	if u, err := url.Parse(c.Origin); err != nil {
		return fmt.Errorf("could not parse origin: %w", err)
	} else if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("origin %q needs a scheme and host", c.Origin)
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.Store.Type {
	case "memory", "sqlite", "dir":
	case "redis":
		if c.Store.Redis == "" {
			return fmt.Errorf("redis store needs a redis URL")
		}
	default:
		return fmt.Errorf("unsupported store: %s", c.Store.Type)
	}
	return nil
}
