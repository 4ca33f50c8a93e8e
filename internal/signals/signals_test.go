package signals

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dragstor/fraudgate/internal/config"
	"github.com/dragstor/fraudgate/internal/fingerprint"
	"github.com/dragstor/fraudgate/internal/store"
)

func TestCollectorCollectFreshDevice(t *testing.T) {
	st := newTestStore(t)
	c := New(st, nil, nil, config.Defaults().Detection, zerolog.Nop())

	bundle := c.Collect(context.Background(), "hash-1", "ada@example.com", fingerprint.Metadata{
		RemoteIP: "1.2.3.4", EphemeralID: "device-new",
	})

	require.Empty(t, bundle.Warning)
	require.False(t, bundle.TokenReplay)
	require.Equal(t, 1, bundle.DeviceSubmissionCount)
	require.Equal(t, 1, bundle.ValidationAttemptCount)
	require.Equal(t, 1, bundle.UniqueIPCount)
}

func TestCollectorCollectDetectsTokenReplay(t *testing.T) {
	st := newTestStore(t)
	_, err := st.InsertValidation(context.Background(), tokenReusedFixture("hash-2"), time.Now())
	require.NoError(t, err)

	c := New(st, nil, nil, config.Defaults().Detection, zerolog.Nop())
	bundle := c.Collect(context.Background(), "hash-2", "ada@example.com", fingerprint.Metadata{RemoteIP: "1.2.3.4"})
	require.True(t, bundle.TokenReplay)
}

func TestCollectorCollectFailsOpenOnStoreError(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Close()) // force every subsequent query to error

	c := New(st, nil, nil, config.Defaults().Detection, zerolog.Nop())
	bundle := c.Collect(context.Background(), "hash-3", "ada@example.com", fingerprint.Metadata{RemoteIP: "1.2.3.4"})
	require.Equal(t, "Signal collection error", bundle.Warning)
	require.False(t, bundle.TokenReplay)
	require.Zero(t, bundle.DeviceSubmissionCount)
}

func tokenReusedFixture(tokenHash string) store.Validation {
	return store.Validation{
		TokenHash: tokenHash, Success: true, Allowed: true,
		Meta: fingerprint.Metadata{RemoteIP: "1.2.3.4"},
	}
}
