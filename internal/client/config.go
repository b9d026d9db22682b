package client

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mit-Vin/gfs-coordinator/internal/protocol"
)

type Config struct {
	Connection struct {
		Master struct {
			Host    string `yaml:"host"`
			Port    int    `yaml:"port"`
			Timeout int    `yaml:"timeout"`
		} `yaml:"master"`
		RequestTimeout int `yaml:"request_timeout"`
	} `yaml:"connection"`

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

func DefaultConfig() *Config {
	config := &Config{}
	config.setDefaults()
	return config
}

func (c *Config) setDefaults() {
	if c.Connection.Master.Host == "" {
		c.Connection.Master.Host = "127.0.0.1"
	}
	if c.Connection.Master.Port == 0 {
		c.Connection.Master.Port = 5011
	}
	if c.Connection.Master.Timeout == 0 {
		c.Connection.Master.Timeout = 10
	}
	if c.Connection.RequestTimeout == 0 {
		c.Connection.RequestTimeout = 120
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "warn"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Connection.Master.Port <= 0 || c.Connection.Master.Port > 65535 {
		errs = append(errs, fmt.Errorf("connection.master.port out of range: %d", c.Connection.Master.Port))
	}
	if c.Connection.Master.Timeout < 0 {
		errs = append(errs, errors.New("connection.master.timeout must be positive"))
	}
	if c.Connection.RequestTimeout < 0 {
		errs = append(errs, errors.New("connection.request_timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) MasterAddress() string {
	return protocol.JoinHostPort(c.Connection.Master.Host, c.Connection.Master.Port)
}

func (c *Config) MasterTimeout() time.Duration {
	return time.Duration(c.Connection.Master.Timeout) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Connection.RequestTimeout) * time.Second
}
