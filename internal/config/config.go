package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds host shell configuration values.
type Config struct {
	Env  string `validate:"required,oneof=dev prod"`
	HTTP struct {
		// Addr serves /metrics and /healthz; empty disables the listener.
		Addr string
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
	// TickRate is the number of main loop ticks per second.
	TickRate int `validate:"gte=1,lte=1000"`
	// MigrationsDir holds one sub-directory of migration files per data source name.
	MigrationsDir string
	DataSources   []DataSource `validate:"dive"`
}

// catalogue is the YAML document referenced by DATACORE_CONFIG.
type catalogue struct {
	DataSources []DataSource `yaml:"datasources"`
}

// Load reads configuration from environment variables, an optional .env file
// and the YAML data source catalogue.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	c.Env = getenv("ENV", "prod")
	c.HTTP.Addr = os.Getenv("HTTP_ADDR")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/datacore.log")
	c.MigrationsDir = getenv("DATACORE_MIGRATIONS", "migrations")

	tick, err := strconv.Atoi(getenv("TICK_RATE", "20"))
	if err != nil {
		return Config{}, fmt.Errorf("TICK_RATE: %w", err)
	}
	c.TickRate = tick

	if path := getenv("DATACORE_CONFIG", "datacore.yaml"); path != "" {
		sources, err := LoadDataSources(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
		c.DataSources = sources
	}

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	seen := make(map[string]struct{}, len(c.DataSources))
	for _, ds := range c.DataSources {
		if err := ds.Validate(); err != nil {
			return Config{}, err
		}
		if _, dup := seen[ds.Name]; dup {
			return Config{}, fmt.Errorf("duplicate data source %q in catalogue", ds.Name)
		}
		seen[ds.Name] = struct{}{}
	}
	return c, nil
}

// LoadDataSources parses the YAML catalogue at path. Passwords may be given as
// ${ENV_VAR} references which are expanded from the environment.
func LoadDataSources(path string) ([]DataSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read data source catalogue: %w", err)
	}
	return ParseDataSources(raw)
}

// ParseDataSources decodes a YAML catalogue document.
func ParseDataSources(raw []byte) ([]DataSource, error) {
	var cat catalogue
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cat); err != nil {
		return nil, fmt.Errorf("parse data source catalogue: %w", err)
	}
	return cat.DataSources, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
