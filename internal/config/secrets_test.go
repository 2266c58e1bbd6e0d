package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.APIKey = "key-123"
	cfg.Exchange.APISecret = "secret-456"
	cfg.Database.Password = "hunter2"
	cfg.Notify.TelegramToken = "bot:token"

	out := RedactedConfig(&cfg)

	assert.Equal(t, "***", out.Exchange.APIKey)
	assert.Equal(t, "***", out.Exchange.APISecret)
	assert.Equal(t, "***", out.Database.Password)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	// Empty secrets stay empty rather than becoming placeholders.
	assert.Empty(t, out.Redis.Password)
	// Non-sensitive fields pass through.
	assert.Equal(t, cfg.Strategy.Symbol, out.Strategy.Symbol)

	// The original is untouched.
	assert.Equal(t, "key-123", cfg.Exchange.APIKey)
	assert.Equal(t, "hunter2", cfg.Database.Password)
}

func TestRedactedConfigCopiesSlices(t *testing.T) {
	cfg := Defaults()
	out := RedactedConfig(&cfg)

	out.Notify.Events[0] = "mutated"
	out.Strategy.Levels[0].Multiplier = 99

	assert.Equal(t, "phase_executed", cfg.Notify.Events[0])
	assert.Equal(t, 0.10, cfg.Strategy.Levels[0].Multiplier)
}
