package privilege

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow(t *testing.T) {
	assert.NoError(t, Allow().Check(context.Background()))
}

func TestDeny(t *testing.T) {
	custom := errors.New("policy forbids tweaks")
	assert.ErrorIs(t, Deny(custom).Check(context.Background()), custom)
	assert.ErrorIs(t, Deny(nil).Check(context.Background()), ErrNotElevated)
}

func TestOSGateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, OS().Check(ctx), context.Canceled)
}

func TestOSGateMatchesElevation(t *testing.T) {
	want, err := elevated()
	require.NoError(t, err)

	err = OS().Check(context.Background())
	if want {
		assert.NoError(t, err)
	} else {
		assert.ErrorIs(t, err, ErrNotElevated)
	}
}
