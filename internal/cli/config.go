// Config loading for the satchel CLI.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/satchel/internal/paths"
	"github.com/mesh-intelligence/satchel/pkg/satchel"
)

const (
	configFileName = "config"
	configFileType = "yaml"

	// Config keys.
	cfgKeyDatabase    = "database"
	cfgKeyForeignKeys = "foreign_keys"
	cfgKeyBusyTimeout = "busy_timeout"

	// defaultDatabaseFile is the database filename inside the resolved data
	// directory when no explicit database path is given.
	defaultDatabaseFile = "satchel.db"
)

// defaultConfigYAML is the content written to config.yaml on first run.
const defaultConfigYAML = `# Satchel CLI configuration

# Database file (optional; overridable by --database flag)
# database:

# Enforce foreign keys on every connection
foreign_keys: true

# Busy handler timeout, e.g. 5s. Zero disables busy handling.
busy_timeout: 0s
`

// loadConfig reads config.yaml from the resolved config directory using
// Viper, creating the directory and a default config.yaml on first run. A
// missing config.yaml is not an error.
func loadConfig() (*viper.Viper, error) {
	configDir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyForeignKeys, true)
	v.SetDefault(cfgKeyBusyTimeout, time.Duration(0))
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// ensureDefaultConfigFile creates a default config.yaml if the file does not
// exist in the config directory.
func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileName+"."+configFileType)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

// resolveDatabase returns the database path following the precedence chain:
// --database flag > config.yaml database > <data dir>/satchel.db.
func resolveDatabase(v *viper.Viper) (string, error) {
	if flags.database != "" {
		return filepath.Abs(flags.database)
	}
	if cfg := v.GetString(cfgKeyDatabase); cfg != "" {
		return filepath.Abs(cfg)
	}
	dataDir, err := paths.ResolveDataDir("", "")
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure data dir: %w", err)
	}
	return filepath.Join(dataDir, defaultDatabaseFile), nil
}

// openDatabase loads the configuration and opens the resolved database.
// The caller owns the returned handle and must Close it.
func openDatabase() (*satchel.Database, error) {
	v, err := loadConfig()
	if err != nil {
		return nil, err
	}
	location, err := resolveDatabase(v)
	if err != nil {
		return nil, err
	}

	cfg := satchel.DefaultConfig(location)
	cfg.EnableForeignKeys = v.GetBool(cfgKeyForeignKeys)
	cfg.Timeout = v.GetDuration(cfgKeyBusyTimeout)

	log.WithField("database", location).Debug("opening database")
	return satchel.Open(cfg)
}
