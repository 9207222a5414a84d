package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// Archive formats understood by the archive package.
const (
	FormatZip    = "zip"
	FormatTarZst = "tar.zst"
)

// Config represents the top-level configuration.
type Config struct {
	Include   []string        `mapstructure:"include"   yaml:"include,omitempty"`
	Backup    BackupConfig    `mapstructure:"backup"    yaml:"backup"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Vault     VaultConfig     `mapstructure:"vault"     yaml:"vault"`
	MySQL     MySQLConfig     `mapstructure:"mysql"     yaml:"mysql"`
	MongoDB   MongoDBConfig   `mapstructure:"mongodb"   yaml:"mongodb"`
	Notify    NotifyConfig    `mapstructure:"notify"    yaml:"notify"`
	Server    ServerConfig    `mapstructure:"server"    yaml:"server"`
	Log       LogConfig       `mapstructure:"log"       yaml:"log"`
}

// BackupConfig contains global backup options.
type BackupConfig struct {
	Directory        string        `mapstructure:"directory"         yaml:"directory"`
	StagingDirectory string        `mapstructure:"staging_directory" yaml:"staging_directory,omitempty"`
	Format           string        `mapstructure:"format"            yaml:"format"`
	Schedule         string        `mapstructure:"schedule"          yaml:"schedule"`
	Timeout          time.Duration `mapstructure:"timeout"           yaml:"timeout"`
}

// RetentionConfig specifies how many backups to keep.
type RetentionConfig struct {
	KeepLast int `mapstructure:"keep_last" yaml:"keep_last"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address  string `mapstructure:"address"   yaml:"address"`
	Token    string `mapstructure:"token"     yaml:"token,omitempty"`
	RoleID   string `mapstructure:"role_id"   yaml:"role_id,omitempty"`
	RoleName string `mapstructure:"role_name" yaml:"role_name,omitempty"`
}

// MySQLConfig describes the relational store holding the pose records.
type MySQLConfig struct {
	Host      string `mapstructure:"host"       yaml:"host"`
	Port      string `mapstructure:"port"       yaml:"port"`
	User      string `mapstructure:"user"       yaml:"user"`
	Password  string `mapstructure:"password"   yaml:"password,omitempty"`
	Database  string `mapstructure:"database"   yaml:"database"`
	DumpBin   string `mapstructure:"dump_bin"   yaml:"dump_bin,omitempty"`
	VaultRole string `mapstructure:"vault_role" yaml:"vault_role,omitempty"`
}

// MongoDBConfig describes the document store holding the image blobs.
type MongoDBConfig struct {
	URI         string        `mapstructure:"uri"         yaml:"uri"`
	Database    string        `mapstructure:"database"    yaml:"database,omitempty"`
	Bucket      string        `mapstructure:"bucket"      yaml:"bucket"`
	Collections []string      `mapstructure:"collections" yaml:"collections"`
	Timeout     time.Duration `mapstructure:"timeout"     yaml:"timeout"`
}

// NotifyConfig configures the optional e-mail notification.
type NotifyConfig struct {
	SMTPHost           string `mapstructure:"smtp_host"            yaml:"smtp_host,omitempty"`
	SMTPPort           int    `mapstructure:"smtp_port"            yaml:"smtp_port,omitempty"`
	SMTPUser           string `mapstructure:"smtp_user"            yaml:"smtp_user,omitempty"`
	SMTPPassword       string `mapstructure:"smtp_password"        yaml:"smtp_password,omitempty"`
	From               string `mapstructure:"from"                 yaml:"from,omitempty"`
	To                 string `mapstructure:"to"                   yaml:"to,omitempty"`
	MaxAttachmentBytes int64  `mapstructure:"max_attachment_bytes" yaml:"max_attachment_bytes,omitempty"`
}

// Enabled reports whether enough is configured to send mail.
func (n NotifyConfig) Enabled() bool {
	return n.SMTPHost != "" && n.To != ""
}

// ServerConfig configures the HTTP trigger surface.
type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json"  yaml:"json"`
}

// envBindings maps config keys to the environment variables the pose
// backend has always been configured with.
var envBindings = map[string][]string{
	"backup.directory":            {"BACKUP_DIR"},
	"backup.schedule":             {"CRON_SCHEDULE"},
	"mysql.host":                  {"MYSQL_HOST"},
	"mysql.port":                  {"MYSQL_PORT"},
	"mysql.user":                  {"MYSQL_USER"},
	"mysql.password":              {"MYSQL_PASSWORD"},
	"mysql.database":              {"MYSQL_DATABASE"},
	"mongodb.uri":                 {"MONGODB_URI"},
	"notify.smtp_host":            {"SMTP_HOST"},
	"notify.smtp_port":            {"SMTP_PORT"},
	"notify.smtp_user":            {"SMTP_USER"},
	"notify.smtp_password":        {"SMTP_PASSWORD"},
	"notify.from":                 {"FROM_EMAIL"},
	"notify.to":                   {"TO_EMAIL"},
	"server.address":              {"LISTEN_ADDR"},
	"vault.address":               {"VAULT_ADDR"},
	"vault.token":                 {"VAULT_TOKEN"},
	"log.level":                   {"LOG_LEVEL"},
	"retention.keep_last":         {"BACKUP_KEEP_LAST"},
	"backup.format":               {"BACKUP_FORMAT"},
	"mongodb.collections":         {"MONGODB_COLLECTIONS"},
	"mysql.vault_role":            {"MYSQL_VAULT_ROLE"},
	"backup.timeout":              {"BACKUP_TIMEOUT"},
	"notify.max_attachment_bytes": {"NOTIFY_MAX_ATTACHMENT_BYTES"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backup.directory", "./backups")
	v.SetDefault("backup.format", FormatZip)
	v.SetDefault("backup.schedule", "59 23 * * *")
	v.SetDefault("backup.timeout", time.Hour)
	v.SetDefault("retention.keep_last", 7)
	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", "3306")
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.database", "pose_keypoints_db")
	v.SetDefault("mysql.dump_bin", "mysqldump")
	v.SetDefault("mongodb.uri", "mongodb://localhost:27017/pose_images_db")
	v.SetDefault("mongodb.bucket", "images")
	v.SetDefault("mongodb.collections", []string{"images.files", "images.chunks"})
	v.SetDefault("mongodb.timeout", 10*time.Second)
	v.SetDefault("notify.smtp_port", 587)
	v.SetDefault("notify.max_attachment_bytes", 20<<20)
	v.SetDefault("server.address", ":3002")
	v.SetDefault("log.level", "info")
}

// Load reads the configuration from the given YAML file (optional) and the
// environment using Viper, merges any included files, and unmarshals into
// the Config struct.
func (c *Config) Load(path string) error {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("%w: bind env for %s: %v", ErrLoadConfig, key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		// Read base configuration
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
		}

		// Merge include files (if any)
		for _, inc := range v.GetStringSlice("include") {
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(filepath.Dir(path), inc)
			}
			data, err := os.ReadFile(inc)
			if err != nil {
				return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
			}
			if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
				return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
			}
		}
	}

	// Unmarshal into the Config struct
	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	// PORT is the bare port the HTTP server has always read.
	if port := os.Getenv("PORT"); port != "" && os.Getenv("LISTEN_ADDR") == "" && !v.InConfig("server.address") {
		c.Server.Address = ":" + port
	}
	if c.Backup.StagingDirectory == "" {
		c.Backup.StagingDirectory = filepath.Join(c.Backup.Directory, ".staging")
	}
	return nil
}

// Validate checks the loaded configuration. An invalid cron expression is
// reported here so the process fails at startup rather than never running.
func (c *Config) Validate() error {
	var errs []error
	if c.Backup.Directory == "" {
		errs = append(errs, errors.New("backup.directory is required"))
	}
	switch c.Backup.Format {
	case FormatZip, FormatTarZst:
	default:
		errs = append(errs, fmt.Errorf("backup.format %q is not one of %s, %s",
			c.Backup.Format, FormatZip, FormatTarZst))
	}
	if _, err := cron.ParseStandard(c.Backup.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("backup.schedule %q: %v", c.Backup.Schedule, err))
	}
	if c.Retention.KeepLast < 1 {
		errs = append(errs, fmt.Errorf("retention.keep_last must be at least 1, got %d", c.Retention.KeepLast))
	}
	if c.MySQL.Database == "" {
		errs = append(errs, errors.New("mysql.database is required"))
	}
	if c.MongoDB.URI == "" {
		errs = append(errs, errors.New("mongodb.uri is required"))
	}
	if c.MongoDB.Bucket == "" {
		errs = append(errs, errors.New("mongodb.bucket is required"))
	}
	seen := make(map[string]bool, len(c.MongoDB.Collections))
	for _, name := range c.MongoDB.Collections {
		if name == "" || strings.ContainsAny(name, `/\`) {
			errs = append(errs, fmt.Errorf("mongodb.collections: invalid name %q", name))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("mongodb.collections: %q listed twice", name))
		}
		seen[name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidateConfig, errors.Join(errs...))
	}
	return nil
}

// ArchiveExtension returns the file extension of artifacts in the
// configured format.
func (c *Config) ArchiveExtension() string {
	return c.Backup.Format
}
