package fetcher

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// maxLineBytes bounds a single sample line; longer lines are skipped.
const maxLineBytes = 1 << 20

const (
	metricWalletBalance = "wallet_balance"
	metricBacklogSize   = "backlog_size"
	metricMisbehaviours = "client_misbehaviours_submitted"
	metricTimeoutEvents = "timeout_events"
)

var (
	sampleLine = regexp.MustCompile(`^([a-zA-Z_:][a-zA-Z0-9_:]*)(?:\{(.*)\})?\s+(\S+)(?:\s+-?\d+)?$`)
	labelPair  = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)\s*=\s*"((?:[^"\\]|\\.)*)"`)
	labelUnesc = strings.NewReplacer(`\\`, `\`, `\"`, `"`, `\n`, "\n")
)

// WalletBalance is one wallet_balance sample. Amount is the raw numeric text.
type WalletBalance struct {
	Account string `json:"account"`
	Chain   string `json:"chain"`
	Denom   string `json:"denom"`
	Scope   string `json:"scope,omitempty"`
	Amount  string `json:"amount"`
}

// Key identifies the balance for per-item reporting.
func (w WalletBalance) Key() string {
	return w.Chain + "/" + w.Account + "/" + w.Denom
}

// Backlog is a pending-packet gauge for one channel.
type Backlog struct {
	Chain        string
	Channel      string
	Port         string
	Counterparty string
	Size         int64
}

// Misbehaviour counts misbehaviour submissions for a client.
type Misbehaviour struct {
	ClientID string
	Chain    string
	Count    int64
}

// TimeoutEvent counts timed-out packets on a channel.
type TimeoutEvent struct {
	Chain        string
	Channel      string
	Port         string
	Counterparty string
	Count        int64
}

// Exposition holds every relevant sample found in a payload.
type Exposition struct {
	WalletBalances []WalletBalance
	Backlogs       []Backlog
	Misbehaviours  []Misbehaviour
	TimeoutEvents  []TimeoutEvent
}

// ParseStats counts what the parser did with each line.
type ParseStats struct {
	Lines    int `json:"lines"`
	Relevant int `json:"relevant"`
	Skipped  int `json:"skipped"`
	Ignored  int `json:"ignored"`
}

// ParseExposition extracts relevant samples from text exposition format.
// Lines that do not parse, or relevant lines missing required labels, are
// skipped and counted.
func ParseExposition(text string) (Exposition, ParseStats) {
	var (
		exp   Exposition
		stats ParseStats
	)

	var line string
	for rest := text; rest != ""; {
		line, rest, _ = strings.Cut(rest, "\n")
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stats.Lines++
		if len(line) > maxLineBytes {
			stats.Skipped++
			continue
		}

		m := sampleLine.FindStringSubmatch(line)
		if m == nil {
			stats.Skipped++
			continue
		}
		name := strings.TrimSuffix(m[1], "_total")
		if !relevantMetric(name) {
			stats.Ignored++
			continue
		}
		labels, ok := parseLabels(m[2])
		if !ok {
			stats.Skipped++
			continue
		}
		if !collectSample(&exp, name, labels, m[3]) {
			stats.Skipped++
			continue
		}
		stats.Relevant++
	}
	return exp, stats
}

func relevantMetric(name string) bool {
	switch name {
	case metricWalletBalance, metricBacklogSize, metricMisbehaviours, metricTimeoutEvents:
		return true
	}
	return false
}

func collectSample(exp *Exposition, name string, labels map[string]string, value string) bool {
	switch name {
	case metricWalletBalance:
		wb := WalletBalance{
			Account: labels["account"],
			Chain:   labels["chain"],
			Denom:   labels["denom"],
			Scope:   labels["otel_scope_name"],
			Amount:  value,
		}
		if wb.Account == "" || wb.Chain == "" || wb.Denom == "" || !validAmount(value) {
			return false
		}
		exp.WalletBalances = append(exp.WalletBalances, wb)
	case metricBacklogSize:
		n, ok := parseCount(value)
		if !ok || labels["chain"] == "" {
			return false
		}
		exp.Backlogs = append(exp.Backlogs, Backlog{
			Chain:        labels["chain"],
			Channel:      labels["channel"],
			Port:         labels["port"],
			Counterparty: firstNonEmpty(labels["counterparty_chain_id"], labels["counterparty"]),
			Size:         n,
		})
	case metricMisbehaviours:
		n, ok := parseCount(value)
		chain := firstNonEmpty(labels["chain"], labels["src_chain"])
		if !ok || labels["client_id"] == "" || chain == "" {
			return false
		}
		exp.Misbehaviours = append(exp.Misbehaviours, Misbehaviour{ClientID: labels["client_id"], Chain: chain, Count: n})
	case metricTimeoutEvents:
		n, ok := parseCount(value)
		chain := firstNonEmpty(labels["chain"], labels["src_chain"])
		if !ok || chain == "" {
			return false
		}
		exp.TimeoutEvents = append(exp.TimeoutEvents, TimeoutEvent{
			Chain:        chain,
			Channel:      firstNonEmpty(labels["channel"], labels["src_channel"]),
			Port:         firstNonEmpty(labels["port"], labels["src_port"]),
			Counterparty: firstNonEmpty(labels["counterparty_chain_id"], labels["dst_chain"]),
			Count:        n,
		})
	default:
		return false
	}
	return true
}

func parseLabels(raw string) (map[string]string, bool) {
	labels := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return labels, true
	}
	matches := labelPair.FindAllStringSubmatchIndex(raw, -1)
	pos := 0
	for _, idx := range matches {
		if strings.Trim(raw[pos:idx[0]], ", ") != "" {
			return nil, false
		}
		labels[raw[idx[2]:idx[3]]] = labelUnesc.Replace(raw[idx[4]:idx[5]])
		pos = idx[1]
	}
	if strings.Trim(raw[pos:], ", ") != "" {
		return nil, false
	}
	return labels, true
}

func validAmount(value string) bool {
	d, err := decimal.NewFromString(value)
	return err == nil && !d.IsNegative()
}

func parseCount(value string) (int64, bool) {
	d, err := decimal.NewFromString(value)
	if err != nil || d.IsNegative() {
		return 0, false
	}
	return d.IntPart(), true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type jsonPayload struct {
	Balances []struct {
		Account string          `json:"account"`
		Chain   string          `json:"chain"`
		Denom   string          `json:"denom"`
		Amount  json.RawMessage `json:"amount"`
	} `json:"balances"`
}

// ParseJSON extracts wallet balances from a custom JSON source. Individual
// malformed entries are skipped; an undecodable document is an error.
func ParseJSON(url, body string) (Exposition, ParseStats, error) {
	var payload jsonPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return Exposition{}, ParseStats{}, &FetchError{Kind: KindMalformed, URL: url, Err: fmt.Errorf("decode json: %w", err)}
	}

	var (
		exp   Exposition
		stats ParseStats
	)
	for _, b := range payload.Balances {
		stats.Lines++
		amount := strings.Trim(strings.TrimSpace(string(b.Amount)), `"`)
		wb := WalletBalance{Account: b.Account, Chain: b.Chain, Denom: b.Denom, Amount: amount}
		if wb.Account == "" || wb.Chain == "" || wb.Denom == "" || !validAmount(amount) {
			stats.Skipped++
			continue
		}
		stats.Relevant++
		exp.WalletBalances = append(exp.WalletBalances, wb)
	}
	return exp, stats, nil
}
