// Package config loads docsync settings from a config file, DOCSYNC_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BackendLocal      = "local"
	BackendDatabricks = "databricks"

	AutoSaveOff        = "off"
	AutoSaveAfterDelay = "afterDelay"

	envPrefix = "DOCSYNC"
)

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB" validate:"gte=0"`
	MaxBackups int    `mapstructure:"maxBackups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"maxAgeDays" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// FilesConfig holds per-resource policy. Globs are doublestar patterns
// relative to the workspace root.
type FilesConfig struct {
	ReadonlyInclude []string `mapstructure:"readonlyInclude" validate:"dive,glob"`
	ReadonlyExclude []string `mapstructure:"readonlyExclude" validate:"dive,glob"`
	// ReadonlyFromPermissions treats write locked files as readonly.
	ReadonlyFromPermissions bool     `mapstructure:"readonlyFromPermissions"`
	PreventSaveConflicts    bool     `mapstructure:"preventSaveConflicts"`
	SaveConflictIgnore      []string `mapstructure:"saveConflictIgnore" validate:"dive,glob"`
}

type AutoSaveConfig struct {
	Mode  string        `mapstructure:"mode" validate:"oneof=off afterDelay"`
	Delay time.Duration `mapstructure:"delay" validate:"gt=0"`
}

type BackupConfig struct {
	// DSN selects the backup store; empty disables backups.
	DSN   string        `mapstructure:"dsn"`
	Delay time.Duration `mapstructure:"delay" validate:"gt=0"`
}

type ParticipantsConfig struct {
	TrimTrailingWhitespace bool          `mapstructure:"trimTrailingWhitespace"`
	InsertFinalNewline     bool          `mapstructure:"insertFinalNewline"`
	TrimFinalNewlines      bool          `mapstructure:"trimFinalNewlines"`
	Exclude                []string      `mapstructure:"exclude" validate:"dive,glob"`
	Timeout                time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type FeedConfig struct {
	// Addr is the listen address of the event feed; empty disables it.
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

type MountConfig struct {
	// Point is the FUSE mount point; empty disables the mount.
	Point      string `mapstructure:"point"`
	AllowOther bool   `mapstructure:"allowOther"`
}

// Config is the complete docsync configuration.
type Config struct {
	Root     string `mapstructure:"root" validate:"required_if=Backend local"`
	Backend  string `mapstructure:"backend" validate:"oneof=local databricks"`
	Readonly bool   `mapstructure:"readonly"`

	Log          LogConfig          `mapstructure:"log"`
	Files        FilesConfig        `mapstructure:"files"`
	AutoSave     AutoSaveConfig     `mapstructure:"autoSave"`
	Backup       BackupConfig       `mapstructure:"backup"`
	Participants ParticipantsConfig `mapstructure:"participants"`
	Feed         FeedConfig         `mapstructure:"feed"`
	Mount        MountConfig        `mapstructure:"mount"`
}

// SetDefaults registers every key with its default so that environment
// variables are picked up for all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("root", "")
	v.SetDefault("backend", BackendLocal)
	v.SetDefault("readonly", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMB", 100)
	v.SetDefault("log.maxBackups", 3)
	v.SetDefault("log.maxAgeDays", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("files.readonlyInclude", []string{})
	v.SetDefault("files.readonlyExclude", []string{})
	v.SetDefault("files.readonlyFromPermissions", false)
	v.SetDefault("files.preventSaveConflicts", true)
	v.SetDefault("files.saveConflictIgnore", []string{})

	v.SetDefault("autoSave.mode", AutoSaveAfterDelay)
	v.SetDefault("autoSave.delay", time.Second)

	v.SetDefault("backup.dsn", "")
	v.SetDefault("backup.delay", time.Second)

	v.SetDefault("participants.trimTrailingWhitespace", false)
	v.SetDefault("participants.insertFinalNewline", false)
	v.SetDefault("participants.trimFinalNewlines", false)
	v.SetDefault("participants.exclude", []string{})
	v.SetDefault("participants.timeout", 5*time.Second)

	v.SetDefault("feed.addr", "")
	v.SetDefault("mount.point", "")
	v.SetDefault("mount.allowOther", false)
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"backend":         "backend",
	"readonly":        "readonly",
	"log-level":       "log.level",
	"log-file":        "log.file",
	"auto-save":       "autoSave.mode",
	"auto-save-delay": "autoSave.delay",
	"backup-dsn":      "backup.dsn",
	"feed-addr":       "feed.addr",
	"mount":           "mount.point",
	"allow-other":     "mount.allowOther",
}

// RegisterFlags adds the flags that override configuration keys.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("backend", BackendLocal, "file backend: local or databricks")
	fs.Bool("readonly", false, "never write to the workspace")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-file", "", "write logs to this file with rotation")
	fs.String("auto-save", AutoSaveAfterDelay, "auto save mode: off or afterDelay")
	fs.Duration("auto-save-delay", time.Second, "delay before an auto save")
	fs.String("backup-dsn", "", "backup store (memory://, file:///dir, sqlite:///file.db, postgres://..., mysql://...)")
	fs.String("feed-addr", "", "listen address of the WebSocket event feed")
	fs.String("mount", "", "FUSE mount point")
	fs.Bool("allow-other", false, "allow other users to access the mount")
}

// BindFlags binds the flags added by RegisterFlags. Only flags set on the
// command line override the file and environment.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the configuration. configFile may be empty.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("glob", func(fl validator.FieldLevel) bool {
		return doublestar.ValidatePattern(fl.Field().String())
	})
	return v
}

// Validate checks cfg and reports every invalid field.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
