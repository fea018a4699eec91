package config

import (
	"fmt"
	"time"
)

// Config is the top-level application configuration. Values are loaded from
// defaults first, then overridden by INKFLOW_-prefixed environment variables.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Storage   StorageConfig   `koanf:"storage"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

type DatabaseConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	User            string        `koanf:"user"`
	Password        string        `koanf:"password"`
	Name            string        `koanf:"name"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	PingTimeout     time.Duration `koanf:"ping_timeout"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

type StorageConfig struct {
	Region        string `koanf:"region"`
	Bucket        string `koanf:"bucket"`
	AccessKey     string `koanf:"access_key"`
	SecretKey     string `koanf:"secret_key"`
	BaseEndpoint  string `koanf:"base_endpoint"`
	PublicBaseURL string `koanf:"public_base_url"`
}

type SchedulerConfig struct {
	CronSpec               string        `koanf:"cron_spec"`
	DeadlineWarningHours   int           `koanf:"deadline_warning_hours"`
	ExpiryWarningHours     int           `koanf:"expiry_warning_hours"`
	AutoReminderDays       []int         `koanf:"auto_reminder_days"`
	EnableExpiryWarnings   bool          `koanf:"enable_expiry_warnings"`
	EnableDeadlineWarnings bool          `koanf:"enable_deadline_warnings"`
	EnableAutoReminders    bool          `koanf:"enable_auto_reminders"`
	NotifyTimeout          time.Duration `koanf:"notify_timeout"`
	OutboxInterval         time.Duration `koanf:"outbox_interval"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// Default returns the built-in configuration values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "inkflow",
			Name:            "inkflow",
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnectTimeout:  5 * time.Second,
			PingTimeout:     3 * time.Second,
			AutoMigrate:     true,
		},
		Storage: StorageConfig{
			Region: "us-east-1",
			Bucket: "inkflow-documents",
		},
		Scheduler: SchedulerConfig{
			CronSpec:               "0 * * * *",
			DeadlineWarningHours:   48,
			ExpiryWarningHours:     24,
			AutoReminderDays:       []int{7, 3, 1},
			EnableExpiryWarnings:   true,
			EnableDeadlineWarnings: true,
			EnableAutoReminders:    true,
			NotifyTimeout:          10 * time.Second,
			OutboxInterval:         5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DSN renders the postgres connection string for pgx and goose.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}
