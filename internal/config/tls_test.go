package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSDisabled(t *testing.T) {
	sec := SecurityConfig{UseTLS: false}

	cfg, err := sec.ServerTLS()
	require.NoError(t, err)
	assert.Nil(t, cfg, "Disabled TLS yields no config")

	cfg, err = sec.ClientTLS()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestServerTLSMissingKeypair(t *testing.T) {
	sec := SecurityConfig{UseTLS: true, TLSCertFile: "/nonexistent.crt", TLSKeyFile: "/nonexistent.key"}
	_, err := sec.ServerTLS()
	assert.Error(t, err, "TLS enabled without a readable keypair must fail")
}

func TestClientTLSSkipVerify(t *testing.T) {
	sec := SecurityConfig{UseTLS: true, TLSSkipVerify: true}
	cfg, err := sec.ClientTLS()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.InsecureSkipVerify)
}
