package signals

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dragstor/fraudgate/internal/fingerprint"
	"github.com/dragstor/fraudgate/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("sqlite3", ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedSubmission(t *testing.T, st *store.Store, ephemeralID, ip, ja4 string, at time.Time) {
	t.Helper()
	_, err := st.InsertSubmission(context.Background(), store.Submission{
		FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com",
		Meta: fingerprint.Metadata{EphemeralID: ephemeralID, RemoteIP: ip, JA4: ja4},
	}, at)
	require.NoError(t, err)
}

func TestJA4HoppingDetectorSingleFingerprintIsZero(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedSubmission(t, st, "device-1", "1.2.3.4", "ja4-a", now.Add(-time.Minute))

	d := NewSQLJA4HoppingDetector(st)
	score, err := d.RawScore(context.Background(), "device-1", "1.2.3.4", now)
	require.NoError(t, err)
	require.Equal(t, 0.0, score)
}

func TestJA4HoppingDetectorClusteredSwitchingScoresHigh(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedSubmission(t, st, "device-1", "1.2.3.4", "ja4-a", now.Add(-4*time.Minute))
	seedSubmission(t, st, "device-1", "1.2.3.4", "ja4-b", now.Add(-2*time.Minute))
	seedSubmission(t, st, "device-1", "1.2.3.4", "ja4-c", now.Add(-1*time.Minute))

	d := NewSQLJA4HoppingDetector(st)
	score, err := d.RawScore(context.Background(), "device-1", "1.2.3.4", now)
	require.NoError(t, err)

	// breadth: (3-1)*40=80, clustering: +50 (all switches within 5 min),
	// switching: rate 1.0 * 20 = 20 -> total 150.
	require.Equal(t, 150.0, score)
}

func TestJA4HoppingDetectorNoIdentityIsZero(t *testing.T) {
	st := newTestStore(t)
	d := NewSQLJA4HoppingDetector(st)
	score, err := d.RawScore(context.Background(), "", "", time.Now())
	require.NoError(t, err)
	require.Equal(t, 0.0, score)
}
