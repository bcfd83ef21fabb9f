package tlschan

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetDefault(t *testing.T) {
	t.Helper()
	prev := defaultContext.Swap(nil)
	t.Cleanup(func() {
		defaultContext.Store(prev)
	})
}

func TestInit(t *testing.T) {
	resetDefault(t)

	require.NoError(t, Init(WithoutSystemRoots(), WithHandshakeTimeout(time.Second)))
	first, err := Default()
	require.NoError(t, err)

	// later options are ignored
	require.NoError(t, Init(WithoutSystemRoots(), WithHandshakeTimeout(time.Minute)))
	second, err := Default()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, time.Second, second.HandshakeTimeout())
}

func TestInit_FailureNotRemembered(t *testing.T) {
	resetDefault(t)

	err := Init(WithCAFile(filepath.Join(t.TempDir(), "missing.pem")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContextInit))
	assert.True(t, IsConstruction(err))
	assert.Nil(t, defaultContext.Load())

	require.NoError(t, Init(WithoutSystemRoots()))
	assert.NotNil(t, defaultContext.Load())
}

func TestNewContext(t *testing.T) {
	c, err := NewContext(
		WithoutSystemRoots(),
		WithServerName(" example.com "),
		WithVersions(tls.VersionTLS12, tls.VersionTLS13),
		WithHandshakeTimeout(3*time.Second),
	)
	require.NoError(t, err)
	config := c.Config()
	assert.Equal(t, "example.com", config.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), config.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), config.MaxVersion)
	assert.Equal(t, 3*time.Second, c.HandshakeTimeout())

	// Config hands out copies
	config.ServerName = "changed"
	assert.Equal(t, "example.com", c.Config().ServerName)
}

func TestNewContext_Defaults(t *testing.T) {
	c, err := NewContext(WithoutSystemRoots())
	require.NoError(t, err)
	assert.Equal(t, uint16(DefaultMinVersion), c.Config().MinVersion)
	assert.Equal(t, DefaultHandshakeTimeout, c.HandshakeTimeout())
	assert.NotNil(t, c.Config().RootCAs)
}

func TestNewContext_CAFile(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a certificate"), 0o600))
	_, err := NewContext(WithoutSystemRoots(), WithCAFile(empty))
	assert.True(t, errors.Is(err, ErrContextInit))

	_, err = NewContext(WithCAFile(" "))
	assert.True(t, errors.Is(err, ErrContextInit))
}

func TestNewContext_InvalidOptions(t *testing.T) {
	cases := map[string]Option{
		"versions": WithVersions(tls.VersionTLS13, tls.VersionTLS12),
		"timeout":  WithHandshakeTimeout(-time.Second),
		"pool":     WithRootCAs(nil),
	}
	for name, option := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := NewContext(option)
			assert.Nil(t, c)
			assert.True(t, errors.Is(err, ErrContextInit))
		})
	}
}

func TestSetSecurityPolicy(t *testing.T) {
	for _, policy := range []SecurityPolicy{Domestic, Export, France, SecurityPolicy(42)} {
		SetSecurityPolicy(policy)
	}
	assert.Equal(t, "domestic", Domestic.String())
	assert.Equal(t, "export", Export.String())
	assert.Equal(t, "france", France.String())
	assert.Equal(t, "unknown", SecurityPolicy(42).String())
}
