package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/stackline/types"
)

func TestRegistry(t *testing.T) {
	RegisterProvider("stub", func(ctx context.Context, cfg ProviderConfig) (CloudProvider, error) {
		return nil, fmt.Errorf("stub provider for %s", cfg.Region)
	})

	assert.Contains(t, ListProviders(), "stub")

	_, err := GetProvider(context.Background(), "stub", ProviderConfig{Region: "eu-west-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eu-west-1")

	_, err = GetProvider(context.Background(), "missing", ProviderConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider missing not found")
}

func TestErrorClassification(t *testing.T) {
	raw := errors.New("RequestLimitExceeded: slow down")

	transient := Transient("delete", types.NodeSecurityGroup, "sg-1", raw)
	assert.True(t, IsTransient(transient))
	assert.ErrorIs(t, transient, raw)
	assert.Equal(t, "delete security-group sg-1: RequestLimitExceeded: slow down", transient.Error())

	permanent := Permanent("create", types.NodeNetwork, "", raw)
	assert.False(t, IsTransient(permanent))
	assert.Equal(t, "create network: RequestLimitExceeded: slow down", permanent.Error())

	wrapped := fmt.Errorf("delete subnet: %w", ErrNotFound)
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsAlreadyExists(wrapped))
	assert.True(t, IsAlreadyExists(Permanent("create", types.NodeIAMRole, "r", ErrAlreadyExists)))
	assert.False(t, IsTransient(raw))
}
