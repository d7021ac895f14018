package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("TEST_VNPAY_SECRET", "from-env")

	yamlContent := `
database:
  path: "test.db"
vnpay:
  base_url: "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"
  tmn_code: "HOTEL01"
  hash_secret: "${TEST_VNPAY_SECRET}"
  return_url: "http://localhost:8080/api/v1/payments/vnpay/callback"
payment:
  signature_secret: "result-secret"
booking:
  hold_ttl: 45m
outbox:
  initial_delay: 500ms
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.VNPay.HashSecret)
	assert.Equal(t, 45*time.Minute, cfg.Booking.HoldTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Outbox.InitialDelay)
	assert.Equal(t, "Asia/Ho_Chi_Minh", cfg.VNPay.TimeZone)
	assert.Equal(t, int64(10000), cfg.Payment.MinAmount)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func validConfig() Config {
	cfg := Config{
		Database: DatabaseConfig{Path: "path"},
		VNPay: VNPayConfig{
			BaseURL:    "https://pay",
			TmnCode:    "code",
			HashSecret: "secret",
			ReturnURL:  "https://hotel/callback",
		},
		Payment: PaymentConfig{SignatureSecret: "s"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing database", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database path"},
		{name: "missing hash secret", mutate: func(c *Config) { c.VNPay.HashSecret = "" }, wantErr: "vnpay.hash_secret"},
		{name: "unknown time zone", mutate: func(c *Config) { c.VNPay.TimeZone = "Mars/Olympus" }, wantErr: "time zone"},
		{name: "api without jwt secret", mutate: func(c *Config) { c.API.Enabled = true }, wantErr: "jwt_secret"},
		{
			name:    "telegram without chat",
			mutate:  func(c *Config) { c.Telegram.BotToken = "token" },
			wantErr: "staff_chat_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, 8081, cfg.API.GRPC.Port)
	assert.Equal(t, 8080, cfg.API.HTTP.Port)
	assert.Equal(t, "x-api-key", cfg.API.Auth.HeaderAPIKey)
	assert.Equal(t, 30*time.Minute, cfg.Booking.HoldTTL)
	assert.Equal(t, 365, cfg.Booking.MaxAdvanceDays)
	assert.Equal(t, 5, cfg.Outbox.MaxRetries)
	assert.Equal(t, "2.1.0", cfg.VNPay.Version)
	assert.Equal(t, "billpayment", cfg.VNPay.OrderType)
}
