package alerting

import (
	"encoding/json"
	"fmt"
	"strings"

	"relayer-monitor/internal/balance"
	"relayer-monitor/internal/config"
	"relayer-monitor/internal/fetcher"
	"relayer-monitor/internal/storage"
)

// Type names an alert condition.
type Type string

const (
	TypeLowBalance        Type = "low_balance"
	TypePendingPackets    Type = "pending_packets"
	TypeMisbehaviour      Type = "client_misbehaviour"
	TypeFailedPackets     Type = "failed_packets"
	TypeSourceUnreachable Type = "source_unreachable"
	TypeManual            Type = "manual"
)

// Payload is the structured data persisted with every alert.
type Payload struct {
	ChainID       string            `json:"chainId,omitempty"`
	Subject       string            `json:"subject,omitempty"`
	Denom         string            `json:"denom,omitempty"`
	Discriminator string            `json:"discriminator,omitempty"`
	Value         *float64          `json:"value,omitempty"`
	Threshold     *float64          `json:"threshold,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Alert is an evaluated condition that has not been persisted yet.
type Alert struct {
	Type      Type
	ChainName string
	Severity  storage.Severity
	Message   string
	Payload   Payload
}

// DedupKey identifies "the same alert" across evaluations:
// type:chain|global:severity:discriminator.
func (a Alert) DedupKey() string {
	chain := a.Payload.ChainID
	if chain == "" {
		chain = "global"
	}
	return fmt.Sprintf("%s:%s:%s:%s", a.Type, chain, a.Severity, a.Payload.Discriminator)
}

// Record converts the alert into its storage shape.
func (a Alert) Record() (storage.AlertRecord, error) {
	data, err := json.Marshal(a.Payload)
	if err != nil {
		return storage.AlertRecord{}, fmt.Errorf("marshal alert payload: %w", err)
	}
	return storage.AlertRecord{
		Type:      string(a.Type),
		ChainName: a.ChainName,
		Severity:  a.Severity,
		Message:   a.Message,
		Data:      data,
	}, nil
}

// FromRecord rebuilds an Alert from history. Unknown payloads decode empty.
func FromRecord(r storage.AlertRecord) Alert {
	a := Alert{Type: Type(r.Type), ChainName: r.ChainName, Severity: r.Severity, Message: r.Message}
	if len(r.Data) > 0 {
		_ = json.Unmarshal(r.Data, &a.Payload)
	}
	return a
}

// Condition is an observation that may produce an alert.
type Condition struct {
	Type      Type
	ChainID   string
	ChainName string
	Subject   string
	Denom     string
	Symbol    string
	Value     float64
	Detail    string
}

// LowBalance builds the condition for a normalized balance.
func LowBalance(b balance.Balance) Condition {
	return Condition{
		Type:      TypeLowBalance,
		ChainID:   b.Chain,
		ChainName: b.ChainName,
		Subject:   b.Account,
		Denom:     b.Denom,
		Symbol:    b.Symbol,
		Value:     b.HumanFloat(),
		Detail:    b.Human.String(),
	}
}

// PendingPackets builds the condition for a backlog gauge.
func PendingPackets(b fetcher.Backlog) Condition {
	return Condition{
		Type:      TypePendingPackets,
		ChainID:   b.Chain,
		ChainName: balance.ChainName(b.Chain),
		Subject:   channelSubject(b.Port, b.Channel),
		Value:     float64(b.Size),
		Detail:    b.Counterparty,
	}
}

// Misbehaviour builds the condition for a misbehaviour counter.
func Misbehaviour(m fetcher.Misbehaviour) Condition {
	return Condition{
		Type:      TypeMisbehaviour,
		ChainID:   m.Chain,
		ChainName: balance.ChainName(m.Chain),
		Subject:   m.ClientID,
		Value:     float64(m.Count),
	}
}

// FailedPackets builds the condition for a timeout counter.
func FailedPackets(e fetcher.TimeoutEvent) Condition {
	return Condition{
		Type:      TypeFailedPackets,
		ChainID:   e.Chain,
		ChainName: balance.ChainName(e.Chain),
		Subject:   channelSubject(e.Port, e.Channel),
		Value:     float64(e.Count),
		Detail:    e.Counterparty,
	}
}

// SourceUnreachable builds the condition raised when retries are exhausted.
func SourceUnreachable(source string, err error) Condition {
	return Condition{
		Type:    TypeSourceUnreachable,
		Subject: source,
		Detail:  fetcher.Describe(err),
	}
}

func channelSubject(port, channel string) string {
	if port == "" {
		return channel
	}
	return port + "/" + channel
}

// Evaluate applies thresholds to c. It returns nil when no alert is due.
func Evaluate(c Condition, t config.Thresholds) *Alert {
	value := c.Value
	a := &Alert{
		Type:      c.Type,
		ChainName: c.ChainName,
		Payload: Payload{
			ChainID:       c.ChainID,
			Subject:       c.Subject,
			Denom:         c.Denom,
			Discriminator: c.Subject,
			Value:         &value,
		},
	}
	label := c.ChainName
	if label == "" {
		label = c.ChainID
	}

	switch c.Type {
	case TypeLowBalance:
		var line float64
		switch {
		case c.Value < t.BalanceCritical:
			a.Severity, line = storage.SeverityCritical, t.BalanceCritical
		case c.Value < t.BalanceWarning:
			a.Severity, line = storage.SeverityWarning, t.BalanceWarning
		default:
			return nil
		}
		a.Payload.Discriminator = c.Subject + "|" + c.Denom
		a.Payload.Threshold = &line
		a.Message = fmt.Sprintf("Low balance on %s: %s holds %s %s (threshold %g)", label, c.Subject, c.Detail, symbolOr(c), line)
	case TypePendingPackets:
		var line float64
		switch {
		case c.Value >= float64(t.PendingCritical):
			a.Severity, line = storage.SeverityCritical, float64(t.PendingCritical)
		case c.Value >= float64(t.PendingWarning):
			a.Severity, line = storage.SeverityWarning, float64(t.PendingWarning)
		default:
			return nil
		}
		a.Payload.Threshold = &line
		a.Message = fmt.Sprintf("%d pending packets on %s %s", int64(c.Value), label, c.Subject)
		if c.Detail != "" {
			a.Message += " towards " + c.Detail
		}
	case TypeMisbehaviour:
		if c.Value <= 0 {
			return nil
		}
		a.Severity = storage.SeverityCritical
		a.Message = fmt.Sprintf("Client %s on %s submitted %d misbehaviour evidence", c.Subject, label, int64(c.Value))
	case TypeFailedPackets:
		if c.Value <= float64(t.FailedPackets) {
			return nil
		}
		line := float64(t.FailedPackets)
		a.Severity = storage.SeverityWarning
		a.Payload.Threshold = &line
		a.Message = fmt.Sprintf("%d timed-out packets on %s %s", int64(c.Value), label, c.Subject)
	case TypeSourceUnreachable:
		a.Severity = storage.SeverityCritical
		a.Payload.Value = nil
		a.Message = fmt.Sprintf("Metrics source %s is unreachable: %s", c.Subject, c.Detail)
	default:
		return nil
	}
	return a
}

func symbolOr(c Condition) string {
	if c.Symbol != "" {
		return c.Symbol
	}
	return strings.ToUpper(c.Denom)
}
