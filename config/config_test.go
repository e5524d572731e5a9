package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/passculture/eac-engine/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "dev", c.App.Env)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, time.Hour, c.Scheduler.ExpiryInterval)
	assert.True(t, c.Subscription.PhoneValidation)

	ratio, err := c.TemporaryFundRatio()
	require.NoError(t, err)
	assert.Equal(t, "0.8", ratio.String())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	// GIVEN: A YAML file and an environment override
	path := writeConfig(t, `
app:
  env: staging
database:
  driver: postgres
  dsn: postgres://from-file
booking:
  temporary_fund_ratio: "0.5"
  ministry_protection:
    enabled: true
    windows:
      - start: "2024-09-01"
        end: "2024-12-31"
scheduler:
  expiry_interval: 30m
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
`)
	t.Setenv("PCE_DATABASE_DSN", "postgres://from-env")

	// WHEN: Loading
	c, err := config.Load(path)
	require.NoError(t, err)

	// THEN: The environment wins over the file
	assert.Equal(t, "staging", c.App.Env)
	assert.Equal(t, "postgres", c.Database.Driver)
	assert.Equal(t, "postgres://from-env", c.Database.DSN)
	assert.Equal(t, 30*time.Minute, c.Scheduler.ExpiryInterval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, c.Kafka.Brokers)

	ratio, err := c.TemporaryFundRatio()
	require.NoError(t, err)
	assert.Equal(t, "0.5", ratio.String())

	p, err := c.MinistryProtection(time.Now())
	require.NoError(t, err)
	require.Len(t, p.Windows, 1)
	loc, _ := time.LoadLocation("Europe/Paris")
	assert.True(t, p.Windows[0].Contains(time.Date(2024, time.December, 31, 23, 0, 0, 0, loc)))
	assert.False(t, p.Windows[0].Contains(time.Date(2025, time.January, 1, 0, 0, 0, 0, loc)))
}

func TestLoad_DefaultProtectionWindow(t *testing.T) {
	path := writeConfig(t, `
booking:
  ministry_protection:
    enabled: true
`)
	c, err := config.Load(path)
	require.NoError(t, err)

	p, err := c.MinistryProtection(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, p.Windows, 1)
	assert.Equal(t, 2025, p.Windows[0].Start.Year())
	assert.Equal(t, time.September, p.Windows[0].Start.Month())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "database:\n  driver: mysql\n"},
		{"bad ratio", "booking:\n  temporary_fund_ratio: eighty\n"},
		{"bad window", "booking:\n  ministry_protection:\n    enabled: true\n    windows:\n      - start: \"2024-12-31\"\n        end: \"2024-09-01\"\n"},
		{"bad timezone", "app:\n  timezone: Mars/Olympus\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
