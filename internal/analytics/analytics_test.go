package analytics

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFilterDefaults(t *testing.T) {
	f, err := parseFilter(url.Values{})
	require.NoError(t, err)
	require.Equal(t, "", f.Search)
	require.Nil(t, f.BotScoreMin)
	require.Nil(t, f.Allowed)
	require.Equal(t, 0, f.Limit)
}

func TestParseFilterParsesEveryField(t *testing.T) {
	q := url.Values{
		"search":                 []string{" ada "},
		"countries":              []string{"US, CA, "},
		"botScoreMin":            []string{"10"},
		"botScoreMax":            []string{"90"},
		"startDate":              []string{"2026-01-01"},
		"endDate":                []string{"2026-12-31"},
		"allowed":                []string{"true"},
		"fingerprintVerifiedBot": []string{"false"},
		"fingerprintJsDetected":  []string{"true"},
		"limit":                  []string{"25"},
		"offset":                 []string{"50"},
		"sortBy":                 []string{"risk_score"},
		"sortOrder":              []string{"asc"},
	}
	f, err := parseFilter(q)
	require.NoError(t, err)

	require.Equal(t, "ada", f.Search)
	require.Equal(t, []string{"US", "CA"}, f.Countries)
	require.Equal(t, 10, *f.BotScoreMin)
	require.Equal(t, 90, *f.BotScoreMax)
	require.Equal(t, "2026-01-01", f.StartDate.Format(dateLayout))
	require.Equal(t, "2026-12-31", f.EndDate.Format(dateLayout))
	require.True(t, *f.Allowed)
	require.False(t, *f.VerifiedBot)
	require.True(t, *f.JSDetected)
	require.Equal(t, 25, f.Limit)
	require.Equal(t, 50, f.Offset)
	require.Equal(t, "risk_score", f.SortBy)
	require.Equal(t, "asc", f.SortOrder)
}

func TestParseFilterRejectsInvalidValues(t *testing.T) {
	_, err := parseFilter(url.Values{"botScoreMin": []string{"not-a-number"}})
	require.Error(t, err)

	_, err = parseFilter(url.Values{"allowed": []string{"not-a-bool"}})
	require.Error(t, err)

	_, err = parseFilter(url.Values{"startDate": []string{"01/01/2026"}})
	require.Error(t, err)
}
