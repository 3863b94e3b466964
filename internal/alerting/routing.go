package alerting

import (
	"strings"

	"relayer-monitor/internal/config"
	"relayer-monitor/internal/storage"
)

// Skip reasons reported by Route.
const (
	SkipDisabled  = "notifications disabled"
	SkipNoChannel = "no push channel"
	SkipSeverity  = "below minimum severity"
	SkipType      = "type disabled"
	SkipChain     = "chain disabled"
	SkipOwnLine   = "outside subscriber threshold"
)

// Route decides whether a subscriber receives a. The returned reason is
// empty when the alert should be delivered.
func Route(a Alert, sub storage.Subscriber, defaults config.Thresholds) (bool, string) {
	pref := sub.Preferences
	if !pref.Enabled {
		return false, SkipDisabled
	}
	if pref.GotifyURL == "" || pref.GotifyToken == "" {
		return false, SkipNoChannel
	}

	th := pref.Thresholds
	severity, ok := subscriberSeverity(a, th, defaults)
	if !ok {
		return false, SkipOwnLine
	}
	if floor := th.MinSeverity; floor != "" && severity.Rank() < floor.Rank() {
		return false, SkipSeverity
	}
	if containsFold(th.DisabledTypes, string(a.Type)) {
		return false, SkipType
	}
	if a.Payload.ChainID != "" && containsFold(th.DisabledChains, a.Payload.ChainID) {
		return false, SkipChain
	}
	if a.ChainName != "" && containsFold(th.DisabledChains, a.ChainName) {
		return false, SkipChain
	}
	return true, ""
}

// subscriberSeverity re-grades a measured alert against the subscriber's
// own cut lines. Alerts without a measured value keep their severity.
func subscriberSeverity(a Alert, th storage.SubscriberThresholds, defaults config.Thresholds) (storage.Severity, bool) {
	if a.Payload.Value == nil {
		return a.Severity, true
	}
	v := *a.Payload.Value

	switch a.Type {
	case TypeLowBalance:
		if th.BalanceThreshold == nil {
			return a.Severity, true
		}
		switch {
		case v < defaults.BalanceCritical && v < *th.BalanceThreshold:
			return storage.SeverityCritical, true
		case v < *th.BalanceThreshold:
			return storage.SeverityWarning, true
		default:
			return "", false
		}
	case TypePendingPackets:
		if th.PendingWarning == nil && th.PendingCritical == nil {
			return a.Severity, true
		}
		warning, critical := defaults.PendingWarning, defaults.PendingCritical
		if th.PendingWarning != nil {
			warning = *th.PendingWarning
		}
		if th.PendingCritical != nil {
			critical = *th.PendingCritical
		}
		switch {
		case v >= float64(critical):
			return storage.SeverityCritical, true
		case v >= float64(warning):
			return storage.SeverityWarning, true
		default:
			return "", false
		}
	case TypeFailedPackets:
		if th.FailedPackets == nil {
			return a.Severity, true
		}
		if v > float64(*th.FailedPackets) {
			return a.Severity, true
		}
		return "", false
	default:
		return a.Severity, true
	}
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}
