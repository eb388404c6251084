package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iex-marketdata/internal/market"
)

var ist = time.FixedZone("IST", 5*60*60+30*60)

func TestParseBound(t *testing.T) {
	from, err := parseBound("2022-01-01", ist, false)
	require.NoError(t, err)
	assert.True(t, from.Equal(time.Date(2022, 1, 1, 0, 0, 0, 0, ist)))

	to, err := parseBound("2022-01-01", ist, true)
	require.NoError(t, err)
	assert.True(t, to.Equal(time.Date(2022, 1, 2, 0, 0, 0, 0, ist).Add(-time.Nanosecond)))

	ts, err := parseBound("2021-12-31T18:30:00Z", ist, true)
	require.NoError(t, err)
	assert.Equal(t, "2022-01-01 00:00", ts.Format("2006-01-02 15:04"))

	_, err = parseBound("01/01/2022", ist, false)
	require.Error(t, err)
}

func TestParseMarkets(t *testing.T) {
	markets, err := parseMarkets("dam, RTM")
	require.NoError(t, err)
	assert.Equal(t, []market.Type{market.DAM, market.RTM}, markets)

	markets, err = parseMarkets("")
	require.NoError(t, err)
	assert.Empty(t, markets)

	_, err = parseMarkets("dam,idm")
	require.Error(t, err)

	_, err = parseMarket(" ")
	require.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"run", "ingest", "import", "serve", "show", "export", "migrate", "simulate-alert", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
