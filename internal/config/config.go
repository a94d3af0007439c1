package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/torfstack/annex-dataverse/internal/logging"
	"github.com/torfstack/annex-dataverse/internal/util"
)

var (
	configFilePath = filepath.Join(util.ConfigDir, "config.toml")
	defaultDBPath  = filepath.Join(util.ConfigDir, "annex-dataverse.sqlite")
)

const (
	defaultPageSize       = 1000
	defaultWorkers        = 4
	defaultCost           = 200
	defaultRequestTimeout = 10 * time.Minute
	defaultRefresh        = 2 * time.Second
	defaultMaxRetries     = 5
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 8 * time.Second
)

type Config struct {
	LogLevel       string        `toml:"log_level"`
	DBPath         string        `toml:"db_path"`
	PageSize       int           `toml:"page_size"`
	Workers        int           `toml:"workers"`
	Cost           int           `toml:"cost"`
	RequestTimeout time.Duration `toml:"request_timeout"`

	// RefreshInterval is the minimum age of the file index before a lookup
	// miss reloads it.
	RefreshInterval time.Duration `toml:"refresh_interval"`

	Retry Retry `toml:"retry"`
}

// Retry bounds the exponential backoff applied to network errors and 5xx responses.
type Retry struct {
	MaxRetries     uint64        `toml:"max_retries"`
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
}

func Get() (Config, error) {
	return get(false)
}

func GetInteractive() (Config, error) {
	return get(true)
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return initialConfig()
}

func get(interactive bool) (Config, error) {
	c := initialConfig()
	f, err := os.Open(configFilePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return initConfig(interactive)
	case err != nil:
		return c, fmt.Errorf("could not open config file for reading '%s': %s", configFilePath, err)
	}
	defer func(f *os.File) {
		if err = f.Close(); err != nil {
			logging.Debugf("Could not close config file: %s", err)
		}
	}(f)

	_, err = toml.NewDecoder(f).Decode(&c)
	if err != nil {
		return c, fmt.Errorf("could not decode config file '%s': %s", configFilePath, err)
	}
	c.applyDefaults()
	return c, nil
}

func initConfig(interactive bool) (Config, error) {
	c := initialConfig()
	if interactive {
		err := guidedInitialization(&c)
		if err != nil {
			return c, fmt.Errorf("could not initialize config interactively: %w", err)
		}
	}
	return c, c.persist()
}

func (c *Config) persist() error {
	f, err := util.OpenWithParents(configFilePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("could not open config file for writing '%s': %w", configFilePath, err)
	}
	defer func(f *os.File) {
		if err = f.Close(); err != nil {
			logging.Debugf("Could not close config file: %s", err)
		}
	}(f)

	logging.Debugf("Persisting config file to '%s'", configFilePath)
	err = toml.NewEncoder(f).Encode(c)
	if err != nil {
		return fmt.Errorf("could not persist config to file '%s': %w", configFilePath, err)
	}

	return nil
}

// applyDefaults repairs zero or negative values a hand-edited file may contain.
func (c *Config) applyDefaults() {
	d := initialConfig()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	c.DBPath = util.ExpandHome(c.DBPath)
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Cost <= 0 {
		c.Cost = d.Cost
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RefreshInterval < 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = d.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		c.Retry.MaxBackoff = max(d.Retry.MaxBackoff, c.Retry.InitialBackoff)
	}
}

func initialConfig() Config {
	return Config{
		LogLevel:        "info",
		DBPath:          defaultDBPath,
		PageSize:        defaultPageSize,
		Workers:         defaultWorkers,
		Cost:            defaultCost,
		RequestTimeout:  defaultRequestTimeout,
		RefreshInterval: defaultRefresh,
		Retry: Retry{
			MaxRetries:     defaultMaxRetries,
			InitialBackoff: defaultInitialBackoff,
			MaxBackoff:     defaultMaxBackoff,
		},
	}
}
