package model

import (
	"encoding/json"
	"time"
)

// Token is a redeemable code with a bounded number of uses, stored in the
// `tokens` table.  UsageCount only grows through consumption and never
// exceeds UsageLimit.
type Token struct {
	ID                string     `json:"id"`
	Code              string     `json:"code"`
	Name              string     `json:"name"`
	Description       *string    `json:"description"`
	UsageLimit        int        `json:"usage_limit"`
	UsageCount        int        `json:"usage_count"`
	ExpiresAt         *time.Time `json:"expires_at"`
	RestrictedContact *string    `json:"restricted_contact"`
	IsActive          bool       `json:"is_active"`
	CreatorID         *uint64    `json:"creator_id"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// RemainingUses is UsageLimit minus UsageCount, floored at zero.
func (t Token) RemainingUses() int {
	if r := t.UsageLimit - t.UsageCount; r > 0 {
		return r
	}
	return 0
}

// TokenListItem is a Token enriched with its creator's username.  The
// username is nil when the token has no creator or the user is gone.
type TokenListItem struct {
	Token
	CreatorUsername *string `json:"creator_username"`
}

// UsageRecord is one row of the append-only `token_usages` ledger.
type UsageRecord struct {
	ID       string          `json:"id"`
	TokenID  string          `json:"token_id"`
	UserID   *uint64         `json:"user_id"`
	Purpose  string          `json:"purpose"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
	UsedAt   time.Time       `json:"used_at"`
}

// UsageRecordDetail adds the consuming user's identity when UserID resolves.
type UsageRecordDetail struct {
	UsageRecord
	Username *string `json:"username"`
	Email    *string `json:"email"`
}
