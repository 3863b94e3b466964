package balance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayer-monitor/internal/fetcher"
)

type fixedDecimals map[string]int

func (f fixedDecimals) Resolve(_ context.Context, chainID, denom string) int {
	return f[chainID+"|"+denom]
}

func TestNormalizePrecision(t *testing.T) {
	n := NewNormalizer(fixedDecimals{"atomone-1|uphoton": 6, "evmos_9001-2|aevmos": 18})
	n.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	b, err := n.Normalize(context.Background(), fetcher.WalletBalance{Account: "atone1xyz", Chain: "atomone-1", Denom: "uphoton", Amount: "12261010"})
	require.NoError(t, err)
	assert.Equal(t, "12.26101", b.Human.String())
	assert.Equal(t, 12.26101, b.HumanFloat())
	assert.Equal(t, "PHOTON", b.Symbol)
	assert.Equal(t, "AtomOne", b.ChainName)
	assert.Equal(t, 6, b.Decimals)
	assert.Equal(t, "12261010", b.RawValue)
	assert.Equal(t, n.now(), b.Timestamp)

	b, err = n.Normalize(context.Background(), fetcher.WalletBalance{Account: "evmos1abc", Chain: "evmos_9001-2", Denom: "aevmos", Amount: "103061216687315320000"})
	require.NoError(t, err)
	assert.Equal(t, "103.06121668731532", b.Human.String())
	assert.Equal(t, "EVMOS", Symbol("evmos"))
}

func TestNormalizeRejectsBadRecords(t *testing.T) {
	n := NewNormalizer(fixedDecimals{})
	cases := []fetcher.WalletBalance{
		{Account: "a", Chain: "c", Denom: "uatom", Amount: "abc"},
		{Account: "a", Chain: "c", Denom: "uatom", Amount: "-1"},
		{Chain: "c", Denom: "uatom", Amount: "1"},
	}
	for _, tc := range cases {
		_, err := n.Normalize(context.Background(), tc)
		assert.Error(t, err, tc.Key())
	}
}

func TestSymbol(t *testing.T) {
	assert.Equal(t, "ATOM", Symbol("uatom"))
	assert.Equal(t, "INJ", Symbol("inj"))
	assert.Equal(t, "U", Symbol("u"))
	assert.Equal(t, "IBC/C4CFF4", Symbol("ibc/C4CFF46FD6DE35CA4CF4CE031E643C8FDC9BA4B99AE598E9B0ED98FE3A2319F9"))
}

func TestChainNameFallsBackToID(t *testing.T) {
	assert.Equal(t, "Cosmos Hub", ChainName("cosmoshub-4"))
	assert.Equal(t, "unknown-7", ChainName("unknown-7"))
}

func TestGroup(t *testing.T) {
	groups := Group([]Balance{
		{Account: "osmo1", Chain: "osmosis-1", ChainName: "Osmosis"},
		{Account: "cosmos1", Chain: "cosmoshub-4", ChainName: "Cosmos Hub"},
		{Account: "osmo2", Chain: "osmosis-1", ChainName: "Osmosis"},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, "cosmoshub-4", groups[0].Chain)
	require.Len(t, groups[1].Wallets, 2)
	assert.Equal(t, "osmo1", groups[1].Wallets[0].Account)
	assert.Equal(t, "osmo2", groups[1].Wallets[1].Account)

	assert.Empty(t, Group(nil))
}
