package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	assert.NotNil(t, srv.Router())
	assert.NotNil(t, srv.registry)
	assert.NotNil(t, srv.scheduler)
}

func TestStop_BeforeStart(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
}

func TestCorsOrigin(t *testing.T) {
	assert.Equal(t, "*", corsOrigin(APIConfig{Local: true, Domain: "x"}))
	assert.Equal(t, "https://quotes.example.com",
		corsOrigin(APIConfig{Secure: true, Domain: "quotes.example.com"}))
	assert.Equal(t, "http://quotes.example.com",
		corsOrigin(APIConfig{Domain: "quotes.example.com"}))
}
