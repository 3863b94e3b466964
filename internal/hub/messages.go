package hub

import "time"

// Channel is a named broadcast topic.
type Channel string

const (
	ChannelMetrics  Channel = "metrics"
	ChannelAlerts   Channel = "alerts"
	ChannelBalances Channel = "balances"
	ChannelWallets  Channel = "wallets"
	ChannelAdmin    Channel = "admin"
)

var channels = map[Channel]bool{
	ChannelMetrics:  false,
	ChannelAlerts:   false,
	ChannelBalances: false,
	ChannelWallets:  false,
	ChannelAdmin:    true,
}

// Known reports whether c is a valid channel.
func (c Channel) Known() bool {
	_, ok := channels[c]
	return ok
}

// AdminOnly reports whether subscribing requires the admin role.
func (c Channel) AdminOnly() bool { return channels[c] }

// Server push event types.
const (
	EventMetricsUpdate = "metrics_update"
	EventNewAlert      = "new_alert"
	EventAlertsUpdate  = "alerts_update"
	EventBalanceUpdate = "balance_update"
	EventWalletAlert   = "wallet_alert"

	EventBreakerState      = "breaker_state"
	EventSourceUnreachable = "source_unreachable"
	EventSourceUpdate      = "source_update"
)

// Event is pushed to subscribers of Channel.
type Event struct {
	Type      string    `json:"type"`
	Channel   Channel   `json:"channel"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Client message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
)

// ClientMessage is the only inbound frame shape.
type ClientMessage struct {
	Type    string  `json:"type"`
	Channel Channel `json:"channel,omitempty"`
}

// Error codes sent in error frames.
const (
	CodeForbidden      = "forbidden"
	CodeUnknownChannel = "unknown_channel"
	CodeBadRequest     = "bad_request"
)

type subscriptionReply struct {
	Type       string  `json:"type"`
	Channel    Channel `json:"channel"`
	Subscribed bool    `json:"subscribed"`
}

type errorReply struct {
	Type    string  `json:"type"`
	Code    string  `json:"code"`
	Channel Channel `json:"channel,omitempty"`
	Message string  `json:"message"`
}

type pongReply struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}
