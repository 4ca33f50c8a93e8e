package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountOffensesIPKeyedExcludesDeviceKeyedEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	_, err := st.AddBlacklistEntry(ctx, BlacklistEntry{
		EphemeralID: "device-1", BlockReason: "ephemeral_id_excess", Confidence: ConfidenceHigh,
		ExpiresAt: now.Add(time.Hour),
	}, now)
	require.NoError(t, err)

	n, err := st.CountOffenses(ctx, "", "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, 0, n, "a device-keyed entry must not count toward an unrelated IP's offense history")

	_, err = st.AddBlacklistEntry(ctx, BlacklistEntry{
		IPAddress: "1.2.3.4", BlockReason: "ip_rate", Confidence: ConfidenceMedium,
		ExpiresAt: now.Add(time.Hour),
	}, now)
	require.NoError(t, err)

	n, err = st.CountOffenses(ctx, "", "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCheckBlacklistExpiredEntryDoesNotMatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	_, err := st.AddBlacklistEntry(ctx, BlacklistEntry{
		IPAddress: "1.2.3.4", BlockReason: "ip_rate", Confidence: ConfidenceMedium,
		ExpiresAt: now.Add(time.Minute),
	}, now)
	require.NoError(t, err)

	hit, err := st.CheckBlacklist(ctx, "", "1.2.3.4", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, hit.Blocked)
}

func TestCheckBlacklistMostRecentEntryWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	_, err := st.AddBlacklistEntry(ctx, BlacklistEntry{
		IPAddress: "1.2.3.4", BlockReason: "ip_rate", Confidence: ConfidenceLow,
		ExpiresAt: now.Add(time.Hour),
	}, now)
	require.NoError(t, err)
	_, err = st.AddBlacklistEntry(ctx, BlacklistEntry{
		IPAddress: "1.2.3.4", BlockReason: "validation_frequency_excess", Confidence: ConfidenceMedium,
		ExpiresAt: now.Add(2 * time.Hour),
	}, now)
	require.NoError(t, err)

	hit, err := st.CheckBlacklist(ctx, "", "1.2.3.4", now.Add(90*time.Minute))
	require.NoError(t, err)
	require.True(t, hit.Blocked)
	require.Equal(t, "validation_frequency_excess", hit.Reason)
}
