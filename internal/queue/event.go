// Package queue carries token usage events over RabbitMQ: the payload
// types, a publisher used after a consumption commits and the background
// consumer that appends them to the usage log.
package queue

import "encoding/json"

// TokenConsumedQueue is the durable queue token usage events are routed to.
const TokenConsumedQueue = "token.consumed"

// TokenConsumedEvent is published once a consumption has been committed.
// It carries enough for downstream consumers to log or notify without
// querying the primary database.
type TokenConsumedEvent struct {
	TokenID       string          `json:"token_id"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	UsageID       string          `json:"usage_id"`
	Purpose       string          `json:"purpose"`
	UsageCount    int             `json:"usage_count"`
	UsageLimit    int             `json:"usage_limit"`
	RemainingUses int             `json:"remaining_uses"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	UsedAt        string          `json:"used_at"`
}
