package master

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		IdleTimeout int    `yaml:"idle_timeout"`
	} `yaml:"server"`

	Health struct {
		CheckInterval int `yaml:"check_interval"`
		Timeout       int `yaml:"timeout"`
	} `yaml:"health"`

	Election struct {
		ReelectOnRegister bool  `yaml:"reelect_on_register"`
		Seed              int64 `yaml:"seed"`
	} `yaml:"election"`

	Metadata struct {
		LogPath string `yaml:"log_path"`
	} `yaml:"metadata"`

	Admin struct {
		GRPCPort int `yaml:"grpc_port"`
	} `yaml:"admin"`

	Metrics struct {
		Address string `yaml:"address"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return config, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	config := &Config{}
	config.setDefaults()
	return config
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5011
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 300
	}
	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = int(DefaultCheckInterval / time.Second)
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = int(DefaultHeartbeatTimeout / time.Second)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.idle_timeout must not be negative"))
	}
	if c.Health.CheckInterval < 0 {
		errs = append(errs, fmt.Errorf("health.check_interval must be positive"))
	}
	if c.Health.Timeout < 0 {
		errs = append(errs, fmt.Errorf("health.timeout must be positive"))
	}
	if c.Admin.GRPCPort < 0 || c.Admin.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("admin.grpc_port out of range: %d", c.Admin.GRPCPort))
	}
	return errors.Join(errs...)
}

func (c *Config) Address() string {
	return Address{Host: c.Server.Host, Port: c.Server.Port}.String()
}

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Health.CheckInterval) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Health.Timeout) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeout) * time.Second
}
