package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret)
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "soon")
	t.Setenv("INVOICE_DUE_DAYS", "-3")
	t.Setenv("CATALOG_CACHE_TTL_SECONDS", "90")

	cfg := Load()
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
	assert.Equal(t, 14, cfg.InvoiceDueDays)
	assert.Equal(t, 90, cfg.CatalogCacheTTLSecs)
}

func TestLoadReadsNotificationSettings(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PORT", "9090")
	t.Setenv("NOTIFY_SNS_TOPIC_ARN", " arn:aws:sns:eu-west-1:000000000000:confreg ")
	t.Setenv("AWS_ENDPOINT", "http://localhost:4566")

	cfg := Load()
	assert.True(t, cfg.Production())
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "arn:aws:sns:eu-west-1:000000000000:confreg", cfg.SNSTopicARN)
	assert.Equal(t, "http://localhost:4566", cfg.AWSEndpoint)
}
