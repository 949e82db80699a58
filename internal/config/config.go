package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables overriding configuration keys,
// e.g. PROCMACRO_PLUGIN_PATH for plugin.path.
const EnvPrefix = "PROCMACRO"

const dirName = ".procmacro"

var (
	configData Config
	v          *viper.Viper
	validate   = validator.New()
)

// Config holds all configuration settings.
type Config struct {
	// Server configuration
	Server struct {
		Host string
		Port int `validate:"min=1,max=65535"`
	}
	// Plugin configuration
	Plugin struct {
		// Path is the directory holding one subdirectory per macro package.
		Path string `validate:"required"`
		// Instances is how many instances of each plugin may run concurrently.
		Instances int `validate:"min=1"`
		// CacheDir persists compiled plugin code; empty disables the cache.
		CacheDir string `mapstructure:"cache_dir"`
		// Watch reloads plugins when files under Path change.
		Watch bool
	}
	// Logging configuration
	Log struct {
		Level  string
		Format string `validate:"oneof=human json"`
	}
	// Metrics configuration
	Metrics struct {
		Addr string
	}
}

// Address returns the server listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

const defaultConfig = `# procmacro configuration file
server:
  host: localhost
  port: 1500

plugin:
  path: macros
  instances: 1
  cache_dir: ""
  watch: false

log:
  level: info
  format: human

metrics:
  addr: ""
`

// Initialize sets up the configuration system.
// A non-empty cfgFile is read instead of searching the default locations.
func Initialize(cfgFile string) error {
	v = viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")           // name of config file (without extension)
		v.SetConfigType("yaml")             // config file type
		v.AddConfigPath(".")                // optionally look for config in working directory
		v.AddConfigPath("$HOME/" + dirName) // look for config in .procmacro directory in home
		v.AddConfigPath("/etc/procmacro/")  // path to look for the config file in
	}

	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := ensureConfig(os.Getenv("HOME")); err != nil {
		return fmt.Errorf("error creating config file: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if we can't find a config file, we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return Reload()
}

// Reload decodes the current viper state, including bound flags, into the config struct.
// An invalid configuration is rejected and the previous one stays in effect.
func Reload() error {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return fmt.Errorf("unable to decode into config struct: %w", err)
	}
	if err := validate.Struct(&c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	configData = c

	return nil
}

// setDefaults sets default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 1500)

	v.SetDefault("plugin.path", "macros")
	v.SetDefault("plugin.instances", 1)
	v.SetDefault("plugin.cache_dir", "")
	v.SetDefault("plugin.watch", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "human")

	v.SetDefault("metrics.addr", "")
}

// ensureConfig creates a default config file under home if none exists.
func ensureConfig(home string) error {
	if home == "" {
		return nil
	}

	dir := filepath.Join(home, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(configFile, []byte(defaultConfig), 0o644); err != nil {
			return err
		}
	}

	return nil
}

// Get returns the current configuration.
func Get() *Config {
	return &configData
}

// GetViper returns the viper instance.
func GetViper() *viper.Viper {
	return v
}

// BindFlags binds flags to configuration keys so that explicitly set flags
// override the config file and environment. Call Reload afterwards.
func BindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	return nil
}
