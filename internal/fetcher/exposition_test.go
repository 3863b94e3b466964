package fetcher

import (
	"errors"
	"strings"
	"testing"
)

const hermesSample = `# HELP wallet_balance The balance of each wallet
# TYPE wallet_balance gauge
wallet_balance{account="atone1xyz",chain="atomone-1",denom="uphoton",otel_scope_name="s"} 12261010
wallet_balance{account="inj1abc",chain="injective-1",denom="inj",otel_scope_name="s"} 103061216687315320000
wallet_balance{account="osmo1",chain="osmosis-1"} 5
wallet_balance{account="bad" 12
backlog_size{chain="cosmoshub-4",channel="channel-141",counterparty_chain_id="osmosis-1",port="transfer"} 17
client_misbehaviours_submitted_total{client_id="07-tendermint-3",src_chain="osmosis-1"} 1
timeout_events_total{chain="cosmoshub-4",channel="channel-0",counterparty_chain_id="juno-1",port="transfer"} 6
tx_latency_submitted_bucket{chain="cosmoshub-4",le="1000"} 3
`

func TestParseExposition(t *testing.T) {
	exp, stats := ParseExposition(hermesSample)

	if len(exp.WalletBalances) != 2 {
		t.Fatalf("wallet balances = %+v", exp.WalletBalances)
	}
	first := exp.WalletBalances[0]
	if first.Account != "atone1xyz" || first.Chain != "atomone-1" || first.Denom != "uphoton" || first.Scope != "s" || first.Amount != "12261010" {
		t.Fatalf("first balance = %+v", first)
	}
	if exp.WalletBalances[1].Amount != "103061216687315320000" {
		t.Fatalf("raw amount text must be preserved, got %q", exp.WalletBalances[1].Amount)
	}

	if len(exp.Backlogs) != 1 || exp.Backlogs[0].Size != 17 || exp.Backlogs[0].Counterparty != "osmosis-1" {
		t.Fatalf("backlogs = %+v", exp.Backlogs)
	}
	if len(exp.Misbehaviours) != 1 || exp.Misbehaviours[0].Chain != "osmosis-1" || exp.Misbehaviours[0].ClientID != "07-tendermint-3" {
		t.Fatalf("misbehaviours = %+v", exp.Misbehaviours)
	}
	if len(exp.TimeoutEvents) != 1 || exp.TimeoutEvents[0].Count != 6 {
		t.Fatalf("timeout events = %+v", exp.TimeoutEvents)
	}

	if stats.Skipped != 2 {
		t.Fatalf("skipped = %d, want 2 (missing denom, broken labels)", stats.Skipped)
	}
	if stats.Ignored != 1 {
		t.Fatalf("ignored = %d, want 1", stats.Ignored)
	}
	if stats.Relevant != 5 {
		t.Fatalf("relevant = %d, want 5", stats.Relevant)
	}
}

func TestParseExpositionEscapedLabels(t *testing.T) {
	exp, stats := ParseExposition(`wallet_balance{account="a\"b",chain="c",denom="ibc/27394FB092D2ECCD56123C74F36E4C1F926001CEADA9CA97EA622B25F41E5EB2"} 1.5e+06`)
	if stats.Skipped != 0 || len(exp.WalletBalances) != 1 {
		t.Fatalf("stats=%+v balances=%+v", stats, exp.WalletBalances)
	}
	if exp.WalletBalances[0].Account != `a"b` {
		t.Fatalf("account = %q", exp.WalletBalances[0].Account)
	}
}

func TestParseExpositionSkipsOversizedLine(t *testing.T) {
	junk := strings.Repeat("x", 2<<20)
	text := junk + "\n" + `wallet_balance{account="a",chain="c",denom="uatom"} 4` + "\n"

	exp, stats := ParseExposition(text)
	if len(exp.WalletBalances) != 1 || exp.WalletBalances[0].Amount != "4" {
		t.Fatalf("balance after oversized line lost: %+v", exp.WalletBalances)
	}
	if stats.Lines != 2 || stats.Skipped != 1 || stats.Relevant != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestParseExpositionRejectsNegative(t *testing.T) {
	exp, stats := ParseExposition(`wallet_balance{account="a",chain="c",denom="uatom"} -4`)
	if len(exp.WalletBalances) != 0 || stats.Skipped != 1 {
		t.Fatalf("negative balance should be skipped: %+v %+v", exp, stats)
	}
}

func TestParseJSON(t *testing.T) {
	body := `{"balances":[
		{"account":"cosmos1","chain":"cosmoshub-4","denom":"uatom","amount":"4200000"},
		{"account":"osmo1","chain":"osmosis-1","denom":"uosmo","amount":12},
		{"account":"","chain":"osmosis-1","denom":"uosmo","amount":"1"}
	]}`
	exp, stats, err := ParseJSON("http://custom", body)
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	if len(exp.WalletBalances) != 2 || stats.Skipped != 1 {
		t.Fatalf("balances=%+v stats=%+v", exp.WalletBalances, stats)
	}
	if exp.WalletBalances[1].Amount != "12" {
		t.Fatalf("numeric amount = %q", exp.WalletBalances[1].Amount)
	}

	if _, _, err := ParseJSON("http://custom", "not json"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want malformed", err)
	}
}
