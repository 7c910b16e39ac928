// Package config loads ovpnkeeper settings.
//
// Sources, highest precedence first: command-line flags, OVPNKEEPER_*
// environment variables, the YAML config file, the secrets directory and
// built-in defaults. Each regular file in the secrets directory holds one
// value; dots in the file name select nested keys, so a file named
// "database.password" sets database.password.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable, e.g.
	// OVPNKEEPER_DATABASE_HOST.
	EnvPrefix = "OVPNKEEPER"

	// SecretsDirEnv overrides the secrets directory.
	SecretsDirEnv = "SECRETS_DIR"

	// DefaultSecretsDir is where container runtimes mount secrets.
	DefaultSecretsDir = "/run/secrets"
)

// Config is the full application configuration.
type Config struct {
	Database Database `mapstructure:"database"`
	PKI      PKI      `mapstructure:"pki"`
	Server   Server   `mapstructure:"server"`
	Default  Defaults `mapstructure:"default"`
	HTTP     HTTP     `mapstructure:"http"`
	Logs     Logs     `mapstructure:"logs"`
}

// Database selects and parameterises the device store.
type Database struct {
	Driver   string        `mapstructure:"driver" validate:"oneof=postgres bbolt memory"`
	Host     string        `mapstructure:"host" validate:"required_if=Driver postgres"`
	Port     int           `mapstructure:"port" validate:"gte=0,lte=65535,required_if=Driver postgres"`
	Name     string        `mapstructure:"name" validate:"required_if=Driver postgres"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Wait     time.Duration `mapstructure:"wait" validate:"gte=0"`
	Path     string        `mapstructure:"path" validate:"required_if=Driver bbolt"`
	Pool     Pool          `mapstructure:"pool"`
}

// Pool bounds the Postgres connection pool.
type Pool struct {
	MinSize int32 `mapstructure:"minsize" validate:"gte=0"`
	MaxSize int32 `mapstructure:"maxsize" validate:"gte=1,gtefield=MinSize"`
	// Recycle closes connections older than this; negative disables it.
	Recycle time.Duration `mapstructure:"recycle"`
}

// PKI locates the certificate authority material.
type PKI struct {
	CA          string        `mapstructure:"ca" validate:"required"`
	Cert        string        `mapstructure:"cert" validate:"required"`
	PKey        string        `mapstructure:"pkey" validate:"required"`
	Passphrase  string        `mapstructure:"passphrase"`
	TLSAuth     string        `mapstructure:"tls_auth" validate:"required"`
	CRLValidity time.Duration `mapstructure:"crl_validity" validate:"gt=0"`
}

// Server is the VPN endpoint written into client configs.
type Server struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`
}

// Defaults are per-owner policy values.
type Defaults struct {
	MaxDevices int `mapstructure:"max_devices" validate:"gte=0"`
}

// HTTP configures the serve command.
type HTTP struct {
	Address string `mapstructure:"address" validate:"required"`
}

// Logs configures the process logger.
type Logs struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
	File   string `mapstructure:"file"`
}

// ---------------------------------------------------------------------------
// Keys, defaults and flags
// ---------------------------------------------------------------------------

type setting struct {
	key   string
	flag  string
	def   any
	usage string
}

var settings = []setting{
	{"database.driver", "database.driver", "postgres", "device store: postgres, bbolt or memory"},
	{"database.host", "database.host", "localhost", "postgres host"},
	{"database.port", "database.port", 5432, "postgres port"},
	{"database.name", "database.name", "postgres", "postgres database name"},
	{"database.username", "database.username", "postgres", "postgres user"},
	{"database.password", "database.password", "", "postgres password"},
	{"database.timeout", "database.timeout", 60 * time.Second, "connect and statement timeout"},
	{"database.wait", "database.wait", 30 * time.Second, "how long to wait for the database at startup"},
	{"database.path", "database.path", "ovpnkeeper.db", "bbolt database file"},
	{"database.pool.minsize", "database.pool.minsize", int32(2), "minimum pooled connections"},
	{"database.pool.maxsize", "database.pool.maxsize", int32(10), "maximum pooled connections"},
	{"database.pool.recycle", "database.pool.recycle", -1 * time.Second, "connection recycle age, negative disables"},
	{"pki.ca", "pki.ca", "certs/ca.crt", "CA certificate bundle embedded in client configs"},
	{"pki.cert", "pki.cert", "certs/root.crt", "signing certificate"},
	{"pki.pkey", "pki.pkey", "certs/root.key", "signing private key"},
	{"pki.passphrase", "pki.passphrase", "", "passphrase of the signing key"},
	{"pki.tls_auth", "pki.tls-auth", "certs/ta.key", "tls-auth static key"},
	{"pki.crl_validity", "pki.crl-validity", 24 * time.Hour, "lifetime of generated CRLs"},
	{"server.host", "server.host", "127.0.0.1", "VPN server host written into client configs"},
	{"server.port", "server.port", 1443, "VPN server port written into client configs"},
	{"default.max_devices", "default.max-devices", 6, "devices allowed per owner"},
	{"http.address", "http.address", ":8080", "listen address of the HTTP surface"},
	{"logs.level", "logs.level", "info", "log level: trace, debug, info, warn, error, fatal"},
	{"logs.format", "logs.format", "text", "log format: text or json"},
	{"logs.file", "logs.file", "", "also append logs to this file"},
}

// RegisterFlags adds a flag for every setting to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, s := range settings {
		switch d := s.def.(type) {
		case string:
			fs.String(s.flag, d, s.usage)
		case int:
			fs.Int(s.flag, d, s.usage)
		case int32:
			fs.Int32(s.flag, d, s.usage)
		case time.Duration:
			fs.Duration(s.flag, d, s.usage)
		default:
			panic(fmt.Sprintf("config: unsupported default type %T for %s", d, s.key))
		}
	}
}

// Source tells Load where to look.
type Source struct {
	// File is an explicit config file. When empty, ovpnkeeper.yaml is
	// looked up in the working directory and /etc/ovpnkeeper; a missing
	// file is not an error.
	File string
	// SecretsDir overrides $SECRETS_DIR and DefaultSecretsDir.
	SecretsDir string
	// Flags, when set, must have been populated by RegisterFlags.
	Flags *pflag.FlagSet
}

// Load resolves the configuration from all sources and validates it.
func Load(src Source) (*Config, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	dir := src.SecretsDir
	if dir == "" {
		dir = os.Getenv(SecretsDirEnv)
	}
	if dir == "" {
		dir = DefaultSecretsDir
	}
	secrets, err := LoadSecrets(dir)
	if err != nil {
		return nil, err
	}
	if err := v.MergeConfigMap(secrets); err != nil {
		return nil, fmt.Errorf("merging secrets: %w", err)
	}

	v.SetConfigType("yaml")
	if src.File != "" {
		v.SetConfigFile(src.File)
	} else {
		v.SetConfigName("ovpnkeeper")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ovpnkeeper")
	}
	if err := v.MergeInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if src.File != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if src.Flags != nil {
		for _, s := range settings {
			if f := src.Flags.Lookup(s.flag); f != nil {
				if err := v.BindPFlag(s.key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", s.flag, err)
				}
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// durationHook decodes durations from Go duration strings ("90s") or bare
// numbers, which are taken as seconds.
func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch d := data.(type) {
	case string:
		s := strings.TrimSpace(d)
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// Secrets directory
// ---------------------------------------------------------------------------

// LoadSecrets reads every regular file in dir into a nested map keyed by
// the dot-separated file name. A missing directory yields an empty map.
// Trailing line breaks are trimmed from values.
func LoadSecrets(dir string) (map[string]any, error) {
	out := map[string]any{}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		// Stat follows the symlinks Kubernetes uses for projected secrets.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading secret %s: %w", name, err)
		}

		labels := strings.Split(strings.ToLower(name), ".")
		current := out
		for _, label := range labels[:len(labels)-1] {
			next, ok := current[label].(map[string]any)
			if !ok {
				next = map[string]any{}
				current[label] = next
			}
			current = next
		}
		current[labels[len(labels)-1]] = strings.TrimRight(string(data), "\r\n")
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		return name
	})
	return v
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := fe.Namespace()
		if _, rest, ok := strings.Cut(key, "."); ok {
			key = rest
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", key, rule, fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
