/*
Package config loads the engine configuration.

SOURCES (lowest to highest precedence):
  1. Built-in defaults (see setDefaults)
  2. YAML file passed to Load, when the path is not empty
  3. .env file in the working directory, outside production
  4. PCE_* environment variables, e.g. PCE_DATABASE_DSN for database.dsn

Command-line flags of cmd/server override the loaded values.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/passculture/eac-engine/educational"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "PCE"

type Config struct {
	App struct {
		Env      string
		Timezone string
	} `mapstructure:"app"`

	HTTP struct {
		Addr        string
		CORSOrigins []string `mapstructure:"cors_origins"`
	} `mapstructure:"http"`

	Database struct {
		Driver string // sqlite or postgres
		DSN    string
	} `mapstructure:"database"`

	Booking struct {
		TemporaryFundRatio string `mapstructure:"temporary_fund_ratio"`
		MinistryProtection struct {
			Enabled bool
			Windows []WindowConfig
		} `mapstructure:"ministry_protection"`
	} `mapstructure:"booking"`

	Subscription struct {
		PhoneValidation bool `mapstructure:"phone_validation"`
		MaxUbbleRetries int  `mapstructure:"max_ubble_retries"`
	} `mapstructure:"subscription"`

	Scheduler struct {
		Enabled        bool
		ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
	} `mapstructure:"scheduler"`

	Kafka struct {
		Brokers []string
		Topic   string
	} `mapstructure:"kafka"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`
}

// WindowConfig is a protection window written as two YYYY-MM-DD dates.
type WindowConfig struct {
	Start string
	End   string
}

// Load reads the configuration. An empty path uses defaults and environment only.
func Load(path string) (Config, error) {
	if os.Getenv(envPrefix+"_APP_ENV") != "prod" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.timezone", "Europe/Paris")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "eac.db")
	v.SetDefault("booking.temporary_fund_ratio", educational.DefaultTemporaryFundRatio.String())
	v.SetDefault("booking.ministry_protection.enabled", false)
	v.SetDefault("subscription.phone_validation", true)
	v.SetDefault("subscription.max_ubble_retries", 3)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.expiry_interval", time.Hour)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "collective-bookings")
	v.SetDefault("metrics.enabled", true)
}

// Validate reports the first invalid value.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if _, err := c.TemporaryFundRatio(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.MinistryProtection(time.Now()); err != nil {
		return err
	}
	if c.Scheduler.Enabled && c.Scheduler.ExpiryInterval <= 0 {
		return fmt.Errorf("scheduler.expiry_interval must be positive, got %s", c.Scheduler.ExpiryInterval)
	}
	return nil
}

// Location returns the time zone used for dates written without one.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid app.timezone %q: %w", c.App.Timezone, err)
	}
	return loc, nil
}

func (c Config) TemporaryFundRatio() (decimal.Decimal, error) {
	r, err := decimal.NewFromString(c.Booking.TemporaryFundRatio)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid booking.temporary_fund_ratio %q: %w", c.Booking.TemporaryFundRatio, err)
	}
	return r, nil
}

// MinistryProtection builds the protection settings. When enabled without
// explicit windows, the September to December window of now's year is used.
func (c Config) MinistryProtection(now time.Time) (educational.MinistryProtection, error) {
	p := educational.MinistryProtection{Enabled: c.Booking.MinistryProtection.Enabled}
	if !p.Enabled {
		return p, nil
	}
	loc, err := c.Location()
	if err != nil {
		return p, err
	}
	for i, w := range c.Booking.MinistryProtection.Windows {
		start, err := time.ParseInLocation(time.DateOnly, w.Start, loc)
		if err != nil {
			return p, fmt.Errorf("invalid window %d start %q: %w", i, w.Start, err)
		}
		end, err := time.ParseInLocation(time.DateOnly, w.End, loc)
		if err != nil {
			return p, fmt.Errorf("invalid window %d end %q: %w", i, w.End, err)
		}
		if end.Before(start) {
			return p, fmt.Errorf("window %d ends before it starts", i)
		}
		// End dates are inclusive
		p.Windows = append(p.Windows, educational.Window{Start: start, End: end.AddDate(0, 0, 1).Add(-time.Nanosecond)})
	}
	if len(p.Windows) == 0 {
		p.Windows = []educational.Window{educational.YearEndWindow(now.In(loc).Year(), loc)}
	}
	return p, nil
}
