package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/drivebackup/internal/backuperr"
	"github.com/tinytelemetry/drivebackup/internal/drive"
	"github.com/tinytelemetry/drivebackup/internal/httpserver"
	"github.com/tinytelemetry/drivebackup/internal/logging"
	"github.com/tinytelemetry/drivebackup/internal/prune"
)

const (
	defaultDBPort              = 5432
	defaultPgDumpPath          = "pg_dump"
	defaultDBFolderName        = "database"
	defaultDirFolderName       = "directory"
	defaultLogLevel            = "info"
	defaultLedgerRetentionDays = 90 // 0 = keep forever
)

// appConfig is internal runtime configuration.
type appConfig struct {
	DBHost     string `mapstructure:"db-host"`
	DBPort     int    `mapstructure:"db-port"`
	DBUsername string `mapstructure:"db-username"`
	DBPassword string `mapstructure:"db-password"`
	DBName     string `mapstructure:"db-name"`
	PgDumpPath string `mapstructure:"pg-dump-path"`

	SourceDir   string `mapstructure:"source-dir"`
	ArchiveRoot string `mapstructure:"archive-root"`
	TempDir     string `mapstructure:"temp-dir"`

	Keep             int    `mapstructure:"keep"`
	DriveFolderID    string `mapstructure:"drive-folder-id"`
	CredentialsPath  string `mapstructure:"credentials-path"`
	DBFolderName     string `mapstructure:"db-folder-name"`
	DirFolderName    string `mapstructure:"dir-folder-name"`
	DBRetention      bool   `mapstructure:"db-retention"`
	DirRetention     bool   `mapstructure:"dir-retention"`
	UploadChunkSize  int    `mapstructure:"upload-chunk-size"`
	VerifyUploadSize bool   `mapstructure:"verify-upload-size"`

	LogDir   string `mapstructure:"log-dir"`
	LogLevel string `mapstructure:"log-level"`

	LedgerPath          string `mapstructure:"ledger-path"`
	LedgerRetentionDays int    `mapstructure:"ledger-retention-days"`
	StatusAddr          string `mapstructure:"status-addr"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("DRIVEBACKUP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Every key needs a default so AutomaticEnv can populate it on Unmarshal.
	v.SetDefault("db-host", "")
	v.SetDefault("db-port", defaultDBPort)
	v.SetDefault("db-username", "")
	v.SetDefault("db-password", "")
	v.SetDefault("db-name", "")
	v.SetDefault("pg-dump-path", defaultPgDumpPath)
	v.SetDefault("source-dir", "")
	v.SetDefault("archive-root", "")
	v.SetDefault("temp-dir", os.TempDir())
	v.SetDefault("keep", prune.DefaultKeep)
	v.SetDefault("drive-folder-id", "")
	v.SetDefault("credentials-path", "")
	v.SetDefault("db-folder-name", defaultDBFolderName)
	v.SetDefault("dir-folder-name", defaultDirFolderName)
	v.SetDefault("db-retention", false)
	v.SetDefault("dir-retention", true)
	v.SetDefault("upload-chunk-size", drive.DefaultChunkSize)
	v.SetDefault("verify-upload-size", false)
	v.SetDefault("log-dir", filepath.Join(home, ".local", "state", "drivebackup"))
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("ledger-path", "")
	v.SetDefault("ledger-retention-days", defaultLedgerRetentionDays)
	v.SetDefault("status-addr", httpserver.DefaultAddr)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "drivebackup", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, backuperr.New(backuperr.Configuration, "read config", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, backuperr.New(backuperr.Configuration, "decode config", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	for _, p := range []*string{&cfg.SourceDir, &cfg.TempDir, &cfg.CredentialsPath, &cfg.LogDir, &cfg.LedgerPath} {
		*p = expandHome(home, *p)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func expandHome(home, p string) string {
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

func configErrorf(format string, args ...any) error {
	return backuperr.Errorf(backuperr.Configuration, "config", format, args...)
}

// validate checks settings every command depends on.
func (c appConfig) validate() error {
	if c.Keep < 0 {
		return configErrorf("invalid keep: %d (must be >= 0)", c.Keep)
	}
	if c.DBPort <= 0 || c.DBPort > 65535 {
		return configErrorf("invalid db-port: %d", c.DBPort)
	}
	if c.UploadChunkSize <= 0 {
		return configErrorf("invalid upload-chunk-size: %d", c.UploadChunkSize)
	}
	if c.LedgerRetentionDays < 0 {
		return configErrorf("invalid ledger-retention-days: %d", c.LedgerRetentionDays)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return configErrorf("%v", err)
	}
	return nil
}

func missing(pairs ...string) []string {
	var out []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			out = append(out, pairs[i])
		}
	}
	return out
}

func requireAll(what string, pairs ...string) error {
	if m := missing(pairs...); len(m) > 0 {
		return configErrorf("%s requires %s", what, strings.Join(m, ", "))
	}
	return nil
}

// validateRemote checks the settings needed to reach Drive.
func (c appConfig) validateRemote() error {
	return requireAll("google drive access",
		"drive-folder-id", c.DriveFolderID,
		"credentials-path", c.CredentialsPath)
}

// validateDB checks the settings needed to run pg_dump.
func (c appConfig) validateDB() error {
	return requireAll("database backup",
		"db-host", c.DBHost,
		"db-username", c.DBUsername,
		"db-password", c.DBPassword,
		"db-name", c.DBName,
		"db-folder-name", c.DBFolderName)
}

// validateDir checks the settings needed to archive a directory. Whether
// source-dir exists is left to the archiver, so a missing tree fails only the
// directory run.
func (c appConfig) validateDir() error {
	return requireAll("directory backup",
		"source-dir", c.SourceDir,
		"dir-folder-name", c.DirFolderName)
}

// validateLedger checks that a ledger is configured for commands that need one.
func (c appConfig) validateLedger() error {
	return requireAll("run history", "ledger-path", c.LedgerPath)
}
