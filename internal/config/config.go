// Package config loads process configuration from OTTERCHAT_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr string `env:"OTTERCHAT_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"OTTERCHAT_GRPC_ADDR" envDefault:":9090"`
	// PGDSN selects the PostgreSQL gateway. Empty keeps everything in memory.
	PGDSN string `env:"OTTERCHAT_PG_DSN"`
	// AutoMigrate applies pending migrations at startup when PGDSN is set.
	AutoMigrate bool `env:"OTTERCHAT_AUTO_MIGRATE" envDefault:"false"`

	TokenSecret string        `env:"OTTERCHAT_TOKEN_SECRET"`
	TokenTTL    time.Duration `env:"OTTERCHAT_TOKEN_TTL" envDefault:"24h"`
	PendingTTL  time.Duration `env:"OTTERCHAT_PENDING_TTL" envDefault:"15m"`

	HistoryLimit int      `env:"OTTERCHAT_HISTORY_LIMIT" envDefault:"10"`
	Rooms        []string `env:"OTTERCHAT_ROOMS" envSeparator:"," envDefault:"general,random,help"`

	AlertDailyCap      int           `env:"OTTERCHAT_ALERT_DAILY_CAP" envDefault:"2"`
	AlertResetInterval time.Duration `env:"OTTERCHAT_ALERT_RESET_INTERVAL" envDefault:"24h"`
	AlertItem          string        `env:"OTTERCHAT_ALERT_ITEM" envDefault:"megaphone"`

	// Operator receives private_message_copy mirrors and is exempt from the
	// alert cap.
	Operator string `env:"OTTERCHAT_OPERATOR" envDefault:"pizza"`

	DisconnectOnBan      bool     `env:"OTTERCHAT_DISCONNECT_ON_BAN" envDefault:"false"`
	CloseReplacedSession bool     `env:"OTTERCHAT_CLOSE_REPLACED_SESSION" envDefault:"false"`
	AdminsManageRoles    bool     `env:"OTTERCHAT_ADMINS_MANAGE_ROLES" envDefault:"false"`
	BootstrapAdmins      []string `env:"OTTERCHAT_BOOTSTRAP_ADMINS" envSeparator:","`

	SMTP SMTP `envPrefix:"OTTERCHAT_SMTP_"`

	WSFramesPerSecond float64  `env:"OTTERCHAT_WS_FRAMES_PER_SECOND" envDefault:"20"`
	WSBurst           int      `env:"OTTERCHAT_WS_BURST" envDefault:"40"`
	WSSendQueue       int      `env:"OTTERCHAT_WS_SEND_QUEUE" envDefault:"64"`
	HTTPRatePerSecond float64  `env:"OTTERCHAT_HTTP_RATE_PER_SECOND" envDefault:"10"`
	HTTPRateBurst     int      `env:"OTTERCHAT_HTTP_RATE_BURST" envDefault:"20"`
	CORSOrigins       []string `env:"OTTERCHAT_CORS_ORIGINS" envSeparator:","`

	ShutdownTimeout time.Duration `env:"OTTERCHAT_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type SMTP struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM"`
}

// Enabled reports whether mail can be sent.
func (s SMTP) Enabled() bool { return s.Host != "" && s.From != "" }

// Load reads the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom reads an explicit variable set instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("OTTERCHAT_HTTP_ADDR is empty"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("OTTERCHAT_TOKEN_TTL must be positive"))
	}
	if c.PendingTTL < 0 {
		errs = append(errs, errors.New("OTTERCHAT_PENDING_TTL must not be negative"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("OTTERCHAT_HISTORY_LIMIT must be positive"))
	}
	if len(c.Rooms) == 0 {
		errs = append(errs, errors.New("OTTERCHAT_ROOMS is empty"))
	}
	if c.AlertDailyCap <= 0 {
		errs = append(errs, errors.New("OTTERCHAT_ALERT_DAILY_CAP must be positive"))
	}
	if c.AlertResetInterval <= 0 {
		errs = append(errs, errors.New("OTTERCHAT_ALERT_RESET_INTERVAL must be positive"))
	}
	if c.WSFramesPerSecond <= 0 || c.WSBurst <= 0 {
		errs = append(errs, errors.New("websocket rate limits must be positive"))
	}
	if c.WSSendQueue <= 0 {
		errs = append(errs, errors.New("OTTERCHAT_WS_SEND_QUEUE must be positive"))
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		errs = append(errs, errors.New("OTTERCHAT_SMTP_FROM is required with OTTERCHAT_SMTP_HOST"))
	}
	return errors.Join(errs...)
}
