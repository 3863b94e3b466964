package alerting

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayer-monitor/internal/balance"
	"relayer-monitor/internal/config"
	"relayer-monitor/internal/fetcher"
	"relayer-monitor/internal/storage"
)

var defaultThresholds = config.Thresholds{
	BalanceWarning:  10,
	BalanceCritical: 5,
	PendingWarning:  10,
	PendingCritical: 50,
	FailedPackets:   5,
}

func TestEvaluateLowBalance(t *testing.T) {
	cases := []struct {
		human string
		want  storage.Severity
	}{
		{"4.99", storage.SeverityCritical},
		{"5", storage.SeverityWarning},
		{"9.5", storage.SeverityWarning},
		{"10", ""},
		{"12.26101", ""},
	}
	for _, tc := range cases {
		b := balance.Balance{Account: "atone1xyz", Chain: "atomone-1", ChainName: "AtomOne", Denom: "uphoton", Symbol: "PHOTON", Human: decimal.RequireFromString(tc.human)}
		a := Evaluate(LowBalance(b), defaultThresholds)
		if tc.want == "" {
			assert.Nil(t, a, tc.human)
			continue
		}
		require.NotNil(t, a, tc.human)
		assert.Equal(t, tc.want, a.Severity, tc.human)
		assert.Equal(t, "atone1xyz|uphoton", a.Payload.Discriminator)
		assert.Contains(t, a.Message, "PHOTON")
	}
}

func TestEvaluatePendingPackets(t *testing.T) {
	cases := []struct {
		size int64
		want storage.Severity
	}{
		{9, ""},
		{10, storage.SeverityWarning},
		{49, storage.SeverityWarning},
		{50, storage.SeverityCritical},
	}
	for _, tc := range cases {
		a := Evaluate(PendingPackets(fetcher.Backlog{Chain: "osmosis-1", Channel: "channel-0", Port: "transfer", Counterparty: "cosmoshub-4", Size: tc.size}), defaultThresholds)
		if tc.want == "" {
			assert.Nil(t, a)
			continue
		}
		require.NotNil(t, a)
		assert.Equal(t, tc.want, a.Severity)
		assert.Equal(t, "transfer/channel-0", a.Payload.Subject)
	}
}

func TestEvaluateMisbehaviourAndFailures(t *testing.T) {
	assert.Nil(t, Evaluate(Misbehaviour(fetcher.Misbehaviour{ClientID: "07-tendermint-1", Chain: "cosmoshub-4"}), defaultThresholds))

	a := Evaluate(Misbehaviour(fetcher.Misbehaviour{ClientID: "07-tendermint-1", Chain: "cosmoshub-4", Count: 1}), defaultThresholds)
	require.NotNil(t, a)
	assert.Equal(t, storage.SeverityCritical, a.Severity)
	assert.Equal(t, "client_misbehaviour:cosmoshub-4:critical:07-tendermint-1", a.DedupKey())

	assert.Nil(t, Evaluate(FailedPackets(fetcher.TimeoutEvent{Chain: "osmosis-1", Channel: "channel-1", Count: 5}), defaultThresholds))
	a = Evaluate(FailedPackets(fetcher.TimeoutEvent{Chain: "osmosis-1", Channel: "channel-1", Count: 6}), defaultThresholds)
	require.NotNil(t, a)
	assert.Equal(t, storage.SeverityWarning, a.Severity)
}

func TestEvaluateSourceUnreachableIsGlobal(t *testing.T) {
	a := Evaluate(SourceUnreachable("hermes-main", errors.New("dial tcp: connection refused")), defaultThresholds)
	require.NotNil(t, a)
	assert.Equal(t, storage.SeverityCritical, a.Severity)
	assert.Nil(t, a.Payload.Value)
	assert.Equal(t, "source_unreachable:global:critical:hermes-main", a.DedupKey())
}

func TestRecordRoundTripKeepsPayload(t *testing.T) {
	a := Evaluate(PendingPackets(fetcher.Backlog{Chain: "osmosis-1", Channel: "channel-0", Size: 60}), defaultThresholds)
	require.NotNil(t, a)
	rec, err := a.Record()
	require.NoError(t, err)

	back := FromRecord(rec)
	assert.Equal(t, a.DedupKey(), back.DedupKey())
	require.NotNil(t, back.Payload.Value)
	assert.Equal(t, 60.0, *back.Payload.Value)
}
