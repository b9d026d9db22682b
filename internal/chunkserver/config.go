package chunkserver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const DefaultPlaceholder = "File created"

type Config struct {
	Server struct {
		ID                int    `yaml:"id"`
		Host              string `yaml:"host"`
		Port              int    `yaml:"port"`
		MasterAddress     string `yaml:"master_address"`
		DataDir           string `yaml:"data_dir"`
		HeartbeatInterval int    `yaml:"heartbeat_interval"`
	} `yaml:"server"`

	Storage struct {
		BackupDir   string `yaml:"backup_dir"`
		Placeholder string `yaml:"placeholder"`
	} `yaml:"storage"`

	Operation struct {
		RequestTimeout int `yaml:"request_timeout"`
		MasterTimeout  int `yaml:"master_timeout"`
	} `yaml:"operation"`

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
	config.SetDefaults()

	return config, nil
}

// SetDefaults fills unset fields. It is exported so command line overrides
// can be applied before Validate.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 6001
	}
	if c.Server.MasterAddress == "" {
		c.Server.MasterAddress = "127.0.0.1:5011"
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = "./data"
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = 3
	}
	if c.Storage.Placeholder == "" {
		c.Storage.Placeholder = DefaultPlaceholder
	}
	if c.Operation.RequestTimeout == 0 {
		c.Operation.RequestTimeout = 120
	}
	if c.Operation.MasterTimeout == 0 {
		c.Operation.MasterTimeout = 5
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
	if c.Server.ID <= 0 {
		errs = append(errs, fmt.Errorf("server.id must be a positive integer, got %d", c.Server.ID))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("server.heartbeat_interval must be positive"))
	}
	if c.Operation.RequestTimeout < 0 {
		errs = append(errs, errors.New("operation.request_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// ServerDir is the node-private directory holding this server's files.
func (c *Config) ServerDir() string {
	return filepath.Join(c.Server.DataDir, "chunk_server_"+strconv.Itoa(c.Server.ID))
}

func (c *Config) BackupDir() string {
	if c.Storage.BackupDir != "" {
		return c.Storage.BackupDir
	}
	return filepath.Join(c.ServerDir(), "backup")
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Server.HeartbeatInterval) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Operation.RequestTimeout) * time.Second
}

func (c *Config) MasterTimeout() time.Duration {
	return time.Duration(c.Operation.MasterTimeout) * time.Second
}
