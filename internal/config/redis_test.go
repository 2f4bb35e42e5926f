package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/linux"
)

func TestApplyPolicyFields(t *testing.T) {
	base := sockops.DefaultPolicy()

	p, err := ApplyPolicyFields(base, map[string]string{
		FieldReconnectGuard: "1",
		FieldRedirectPort:   "15001",
		FieldUnresolvedIP:   "127.0.0.7",
		"unknown":           "ignored",
	})
	require.NoError(t, err)
	assert.True(t, p.ReconnectGuard)
	assert.Equal(t, uint16(15001), p.RedirectPort)
	assert.Equal(t, linux.MustIP2Linux("127.0.0.7"), p.UnresolvedAddr)

	p, err = ApplyPolicyFields(base, map[string]string{FieldReconnectGuard: "false"})
	require.NoError(t, err)
	assert.Equal(t, base, p)
}

func TestApplyPolicyFieldsRejects(t *testing.T) {
	base := sockops.DefaultPolicy()
	tests := map[string]map[string]string{
		"port":     {FieldRedirectPort: "99999"},
		"sentinel": {FieldUnresolvedIP: "fe80::1"},
		"guard":    {FieldReconnectGuard: "true", FieldRedirectPort: "0"},
	}
	for name, fields := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := ApplyPolicyFields(base, fields)
			assert.Error(t, err)
			assert.Equal(t, base, p, "base is returned unchanged on error")
		})
	}
}

func TestParseUpdate(t *testing.T) {
	u, err := parseUpdate(`{"type":"sockops"}`)
	require.NoError(t, err)
	assert.Equal(t, UpdateTypePolicy, u.Type)

	u, err = parseUpdate("sockops")
	require.NoError(t, err)
	assert.Equal(t, UpdateTypePolicy, u.Type)

	_, err = parseUpdate("{broken")
	assert.Error(t, err)
	_, err = parseUpdate("  ")
	assert.Error(t, err)
}

func TestDisabledRedisStore(t *testing.T) {
	store, err := NewRedisStore(&RedisConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, store)

	assert.Nil(t, store.Updates())
	assert.NoError(t, store.Close())
	assert.ErrorIs(t, store.CheckHealth(), ErrRedisNotEnabled)

	base := sockops.DefaultPolicy()
	p, err := store.LoadPolicy(base)
	assert.ErrorIs(t, err, ErrRedisNotEnabled)
	assert.Equal(t, base, p)
}
