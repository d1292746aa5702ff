package minio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/backend/go/internal/config"
)

func TestOptions(t *testing.T) {
	opts := Options(&config.MinIOConfig{
		AccessKey: "ak",
		SecretKey: "sk",
		Secure:    true,
		Region:    "cn-north-1",
	})
	assert.True(t, opts.Secure)
	assert.Equal(t, "cn-north-1", opts.Region)

	v, err := opts.Creds.Get()
	require.NoError(t, err)
	assert.Equal(t, "ak", v.AccessKeyID)
	assert.Equal(t, "sk", v.SecretAccessKey)
}

func TestHealthCheck_Uninitialized(t *testing.T) {
	assert.Error(t, HealthCheck(context.Background()))
}
