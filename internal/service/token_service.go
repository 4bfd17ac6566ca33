// Package service implements the redeemable token lifecycle on top of the
// token store: creation with collision retry, validation, row-locked
// consumption, activation toggles, deletion and usage history.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/iliyamo/token-issuance/internal/codegen"
	"github.com/iliyamo/token-issuance/internal/config"
	"github.com/iliyamo/token-issuance/internal/metrics"
	"github.com/iliyamo/token-issuance/internal/model"
	"github.com/iliyamo/token-issuance/internal/queue"
	"github.com/iliyamo/token-issuance/internal/repository"
)

const publishTimeout = 2 * time.Second

// Column bounds of the tokens and token_usages tables.
const (
	maxNameLen        = 255   // characters
	maxContactLen     = 64    // characters
	maxPurposeLen     = 255   // characters
	maxDescriptionLen = 65535 // bytes
	maxUsageLimit     = math.MaxUint32
)

// Store is the persistence surface the service needs.  repository.TokenStore
// implements it against MySQL.
type Store interface {
	Create(ctx context.Context, t *model.Token) error
	GetByCode(ctx context.Context, code string) (model.Token, error)
	List(ctx context.Context) ([]model.TokenListItem, error)
	ListUsage(ctx context.Context, tokenID string) ([]model.UsageRecordDetail, error)
	WithinTx(ctx context.Context, fn func(repository.TokenTx) error) error
}

// Publisher receives committed consumptions.  Failures are logged and never
// undo the consumption.
type Publisher interface {
	PublishTokenConsumed(ctx context.Context, ev queue.TokenConsumedEvent) error
}

type TokenService struct {
	store Store
	pub   Publisher
	cfg   config.TokenConfig
	now   func() time.Time
	log   *slog.Logger
}

type Option func(*TokenService)

func WithPublisher(p Publisher) Option { return func(s *TokenService) { s.pub = p } }

func WithLogger(l *slog.Logger) Option { return func(s *TokenService) { s.log = l } }

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option { return func(s *TokenService) { s.now = now } }

func NewTokenService(store Store, cfg config.TokenConfig, opts ...Option) *TokenService {
	s := &TokenService{store: store, cfg: cfg, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateInput is the caller-supplied part of a new token.
type CreateInput struct {
	Name              string
	Description       string
	UsageLimit        int // 0 means 1
	ExpiresAt         string
	RestrictedContact string
	CreatorID         *uint64
}

// ValidationResult is the outcome of a successful Validate.
type ValidationResult struct {
	Token         model.Token `json:"token"`
	RemainingUses int         `json:"remaining_uses"`
}

// ConsumeInput describes one consumption.  Metadata and UserInfo must be
// valid JSON when present and are stored verbatim.
type ConsumeInput struct {
	Code     string
	Purpose  string
	Contact  string
	Metadata json.RawMessage
	UserInfo json.RawMessage
}

type ConsumptionResult struct {
	Code          string    `json:"code"`
	UsageCount    int       `json:"usage_count"`
	RemainingUses int       `json:"remaining_uses"`
	UsageID       string    `json:"usage_id"`
	UsedAt        time.Time `json:"used_at"`
	Purpose       string    `json:"purpose"`
}

type DeleteResult struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	RemovedUsages int64  `json:"removed_usages"`
}

var expiryLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"}

func parseExpiry(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range expiryLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, invalid("expires_at", "must be RFC3339, 'YYYY-MM-DD HH:MM:SS' or 'YYYY-MM-DD'")
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

// Create validates in, generates a code and stores the token.  A code that
// collides with an existing one is regenerated with exponential backoff;
// once the attempts are spent the result is ErrConflict.
func (s *TokenService) Create(ctx context.Context, in CreateInput) (model.Token, error) {
	const op = "service.TokenService.Create"
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.Token{}, invalid("name", "is required")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return model.Token{}, invalid("name", fmt.Sprintf("must be at most %d characters", maxNameLen))
	}
	if len(strings.TrimSpace(in.Description)) > maxDescriptionLen {
		return model.Token{}, invalid("description", fmt.Sprintf("must be at most %d bytes", maxDescriptionLen))
	}
	if utf8.RuneCountInString(strings.TrimSpace(in.RestrictedContact)) > maxContactLen {
		return model.Token{}, invalid("restricted_contact", fmt.Sprintf("must be at most %d characters", maxContactLen))
	}
	if in.UsageLimit < 0 || int64(in.UsageLimit) > maxUsageLimit {
		return model.Token{}, invalid("usage_limit", fmt.Sprintf("must be between 1 and %d", uint32(maxUsageLimit)))
	}
	limit := in.UsageLimit
	if limit == 0 {
		limit = 1
	}
	expires, err := parseExpiry(in.ExpiresAt)
	if err != nil {
		return model.Token{}, err
	}

	tok := model.Token{
		Name:              name,
		Description:       optional(in.Description),
		UsageLimit:        limit,
		ExpiresAt:         expires,
		RestrictedContact: optional(in.RestrictedContact),
		IsActive:          true,
		CreatorID:         in.CreatorID,
	}

	backoff := s.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		code, err := codegen.Code(s.cfg.CodePrefix, s.cfg.CodeLength)
		if err != nil {
			return model.Token{}, &StoreError{Op: op, Err: err}
		}
		tok.ID = uuid.NewString()
		tok.Code = code

		err = s.store.Create(ctx, &tok)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return model.Token{}, s.storeErr(op, err)
		}
		metrics.CodeCollisions.Inc()
		s.log.Warn("token code collision", slog.String("code", code), slog.Int("attempt", attempt))
		if attempt >= s.cfg.CreateRetries {
			return model.Token{}, fmt.Errorf("%s: no unique code after %d attempts: %w", op, attempt, ErrConflict)
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return model.Token{}, &StoreError{Op: op, Err: ctx.Err()}
		case <-t.C:
		}
		backoff *= 2
	}

	metrics.TokensCreated.Inc()
	s.log.Info("token created", slog.String("code", tok.Code), slog.Int("usage_limit", tok.UsageLimit))
	return tok, nil
}

// Get returns the token with the given code.
func (s *TokenService) Get(ctx context.Context, code string) (model.Token, error) {
	const op = "service.TokenService.Get"
	t, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return model.Token{}, s.storeErr(op, err)
	}
	return t, nil
}

// List returns all tokens newest first.
func (s *TokenService) List(ctx context.Context) ([]model.TokenListItem, error) {
	const op = "service.TokenService.List"
	items, err := s.store.List(ctx)
	if err != nil {
		return nil, s.storeErr(op, err)
	}
	return items, nil
}

// evaluate applies the consumability checks in order: inactive, expired,
// limit reached, contact mismatch.  With requireContact a restricted token
// also rejects an absent contact; otherwise only two differing values fail.
func (s *TokenService) evaluate(t model.Token, contact string, requireContact bool) error {
	now := s.now().UTC()
	switch {
	case !t.IsActive:
		return fmt.Errorf("token %s is inactive: %w", t.Code, ErrInactive)
	case t.ExpiresAt != nil && now.After(*t.ExpiresAt):
		return fmt.Errorf("token %s expired at %s: %w", t.Code, t.ExpiresAt.Format(time.RFC3339), ErrExpired)
	case t.UsageCount >= t.UsageLimit:
		return fmt.Errorf("token %s used %d of %d times: %w", t.Code, t.UsageCount, t.UsageLimit, ErrLimitExceeded)
	}
	if t.RestrictedContact == nil {
		return nil
	}
	contact = strings.TrimSpace(contact)
	if contact == "" && !requireContact {
		return nil
	}
	if contact != *t.RestrictedContact {
		return fmt.Errorf("token %s is restricted to another contact: %w", t.Code, ErrContactMismatch)
	}
	return nil
}

// Validate reports whether the token could be consumed right now.  It does
// not change any state.
func (s *TokenService) Validate(ctx context.Context, code, contact string) (ValidationResult, error) {
	const op = "service.TokenService.Validate"
	t, err := s.store.GetByCode(ctx, code)
	if err != nil {
		err = s.storeErr(op, err)
		metrics.Validations.WithLabelValues(Kind(err)).Inc()
		return ValidationResult{}, err
	}
	if err := s.evaluate(t, contact, false); err != nil {
		metrics.Validations.WithLabelValues(Kind(err)).Inc()
		return ValidationResult{}, err
	}
	metrics.Validations.WithLabelValues("ok").Inc()
	return ValidationResult{Token: t, RemainingUses: t.RemainingUses()}, nil
}

// Consume redeems one use of the token.  The row is locked for the whole
// check-insert-increment sequence, so concurrent callers of the same token
// see each other's increments and at most UsageLimit of them succeed.  Any
// failure rolls back both the ledger row and the counter.
func (s *TokenService) Consume(ctx context.Context, in ConsumeInput) (ConsumptionResult, error) {
	const op = "service.TokenService.Consume"
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return ConsumptionResult{}, invalid("metadata", "must be valid JSON")
	}
	if len(in.UserInfo) > 0 && !json.Valid(in.UserInfo) {
		return ConsumptionResult{}, invalid("user_info", "must be valid JSON")
	}
	purpose := strings.TrimSpace(in.Purpose)
	if utf8.RuneCountInString(purpose) > maxPurposeLen {
		return ConsumptionResult{}, invalid("purpose", fmt.Sprintf("must be at most %d characters", maxPurposeLen))
	}
	if purpose == "" {
		purpose = s.cfg.DefaultPurpose
	}

	var (
		tok model.Token
		rec model.UsageRecord
	)
	err := s.store.WithinTx(ctx, func(tx repository.TokenTx) error {
		var err error
		if tok, err = tx.LockByCode(ctx, in.Code); err != nil {
			return err
		}
		if err := s.evaluate(tok, in.Contact, true); err != nil {
			return err
		}
		rec = model.UsageRecord{
			ID:       ulid.Make().String(),
			TokenID:  tok.ID,
			Purpose:  purpose,
			Metadata: nullIfEmpty(in.Metadata),
			UserInfo: nullIfEmpty(in.UserInfo),
		}
		if err := tx.InsertUsage(ctx, &rec); err != nil {
			return err
		}
		if err := tx.IncrementUsage(ctx, tok.ID); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("token %s has no uses left: %w", tok.Code, ErrLimitExceeded)
			}
			return err
		}
		tok.UsageCount++
		return nil
	})
	if err != nil {
		err = s.storeErr(op, err)
		metrics.Consumptions.WithLabelValues(Kind(err)).Inc()
		return ConsumptionResult{}, err
	}
	metrics.Consumptions.WithLabelValues("ok").Inc()

	res := ConsumptionResult{
		Code:          tok.Code,
		UsageCount:    tok.UsageCount,
		RemainingUses: tok.RemainingUses(),
		UsageID:       rec.ID,
		UsedAt:        rec.UsedAt,
		Purpose:       purpose,
	}
	s.log.Info("token consumed",
		slog.String("code", tok.Code),
		slog.String("usage_id", rec.ID),
		slog.Int("usage_count", res.UsageCount),
		slog.Int("remaining", res.RemainingUses))
	s.publishConsumed(ctx, tok, rec)
	return res, nil
}

func (s *TokenService) publishConsumed(ctx context.Context, tok model.Token, rec model.UsageRecord) {
	if s.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	ev := queue.TokenConsumedEvent{
		TokenID:       tok.ID,
		Code:          tok.Code,
		Name:          tok.Name,
		UsageID:       rec.ID,
		Purpose:       rec.Purpose,
		UsageCount:    tok.UsageCount,
		UsageLimit:    tok.UsageLimit,
		RemainingUses: tok.RemainingUses(),
		Metadata:      rec.Metadata,
		UsedAt:        rec.UsedAt.Format(time.RFC3339Nano),
	}
	if err := s.pub.PublishTokenConsumed(ctx, ev); err != nil {
		metrics.EventPublishFailures.Inc()
		s.log.Warn("publish token.consumed failed", slog.String("code", tok.Code), slog.Any("err", err))
	}
}

// SetActive sets is_active under the same row lock Consume takes.  Setting
// the current value again succeeds.
func (s *TokenService) SetActive(ctx context.Context, code string, active bool) (model.Token, error) {
	const op = "service.TokenService.SetActive"
	var out model.Token
	err := s.store.WithinTx(ctx, func(tx repository.TokenTx) error {
		tok, err := tx.LockByCode(ctx, code)
		if err != nil {
			return err
		}
		if err := tx.SetActive(ctx, tok.ID, active); err != nil {
			return err
		}
		out, err = tx.GetByID(ctx, tok.ID)
		return err
	})
	if err != nil {
		return model.Token{}, s.storeErr(op, err)
	}
	s.log.Info("token activation changed", slog.String("code", code), slog.Bool("is_active", active))
	return out, nil
}

// Delete removes the token's usage rows and then the token, atomically.
func (s *TokenService) Delete(ctx context.Context, code string) (DeleteResult, error) {
	const op = "service.TokenService.Delete"
	var out DeleteResult
	err := s.store.WithinTx(ctx, func(tx repository.TokenTx) error {
		tok, err := tx.LockByCode(ctx, code)
		if err != nil {
			return err
		}
		n, err := tx.DeleteUsage(ctx, tok.ID)
		if err != nil {
			return err
		}
		if err := tx.Delete(ctx, tok.ID); err != nil {
			return err
		}
		out = DeleteResult{Code: tok.Code, Name: tok.Name, RemovedUsages: n}
		return nil
	})
	if err != nil {
		return DeleteResult{}, s.storeErr(op, err)
	}
	s.log.Info("token deleted", slog.String("code", code), slog.Int64("removed_usages", out.RemovedUsages))
	return out, nil
}

// UsageHistory lists the token's usage records newest first.
func (s *TokenService) UsageHistory(ctx context.Context, code string) ([]model.UsageRecordDetail, error) {
	const op = "service.TokenService.UsageHistory"
	tok, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return nil, s.storeErr(op, err)
	}
	recs, err := s.store.ListUsage(ctx, tok.ID)
	if err != nil {
		return nil, s.storeErr(op, err)
	}
	return recs, nil
}

// storeErr passes lifecycle errors through, maps repository.ErrNotFound to
// ErrNotFound and wraps everything else in a StoreError.
func (s *TokenService) storeErr(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case Kind(err) != "store_error":
		return err
	default:
		return &StoreError{Op: op, Err: err}
	}
}

func nullIfEmpty(m json.RawMessage) json.RawMessage {
	if len(m) == 0 || string(m) == "null" {
		return nil
	}
	return m
}
