package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"confreg/backend/internal/config"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	assert.Error(t, validateSecurityConfig(config.Config{AuthSecret: "short"}))
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, AllowedOrigin: "http://localhost:5173"})
	assert.NoError(t, err)
}

func TestValidateSecurityConfigRejectsWildcardOriginInProduction(t *testing.T) {
	cfg := config.Config{AuthSecret: strongSecret, AllowedOrigin: "*", Env: "production"}
	assert.Error(t, validateSecurityConfig(cfg))

	cfg.Env = "development"
	assert.NoError(t, validateSecurityConfig(cfg))
}
