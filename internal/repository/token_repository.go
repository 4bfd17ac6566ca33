package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/token-issuance/internal/model"
)

const tokenColumns = `t.id, t.code, t.name, t.description, t.usage_limit, t.usage_count,
	t.expires_at, t.restricted_contact, t.is_active, t.creator_id, t.created_at, t.updated_at`

// TokenStore persists redeemable tokens and their usage ledger.  Reads and
// inserts run as single statements; anything that must observe and then
// change a token row goes through WithinTx.
type TokenStore struct{ db *sql.DB }

func NewTokenStore(db *sql.DB) *TokenStore { return &TokenStore{db: db} }

// DB exposes the underlying handle.
func (s *TokenStore) DB() *sql.DB { return s.db }

// TokenTx is the unit of work handed to WithinTx callbacks.  Every method
// runs on the same transaction; LockByCode takes the exclusive row lock
// that serialises concurrent writers of one token.
type TokenTx interface {
	LockByCode(ctx context.Context, code string) (model.Token, error)
	GetByID(ctx context.Context, id string) (model.Token, error)
	InsertUsage(ctx context.Context, u *model.UsageRecord) error
	IncrementUsage(ctx context.Context, tokenID string) error
	SetActive(ctx context.Context, tokenID string, active bool) error
	DeleteUsage(ctx context.Context, tokenID string) (int64, error)
	Delete(ctx context.Context, tokenID string) error
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner, extra ...any) (model.Token, error) {
	var (
		t       model.Token
		desc    sql.NullString
		expires sql.NullTime
		contact sql.NullString
		creator sql.NullInt64
	)
	dest := []any{&t.ID, &t.Code, &t.Name, &desc, &t.UsageLimit, &t.UsageCount,
		&expires, &contact, &t.IsActive, &creator, &t.CreatedAt, &t.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return model.Token{}, err
	}
	if desc.Valid {
		t.Description = &desc.String
	}
	if expires.Valid {
		e := expires.Time.UTC()
		t.ExpiresAt = &e
	}
	if contact.Valid {
		t.RestrictedContact = &contact.String
	}
	if creator.Valid {
		id := uint64(creator.Int64)
		t.CreatorID = &id
	}
	return t, nil
}

// Create inserts t with a zero usage count and fills the store-maintained
// timestamps.  A code collision yields ErrDuplicate.
func (s *TokenStore) Create(ctx context.Context, t *model.Token) error {
	const op = "repository.TokenStore.Create"
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, code, name, description, usage_limit, usage_count, expires_at,
			restricted_contact, is_active, creator_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, UTC_TIMESTAMP(3), UTC_TIMESTAMP(3))`,
		t.ID, t.Code, t.Name, t.Description, t.UsageLimit, t.ExpiresAt,
		t.RestrictedContact, t.IsActive, t.CreatorID)
	if err != nil {
		if _, dup := duplicateKey(err); dup {
			return fmt.Errorf("%s: %w", op, ErrDuplicate)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	t.UsageCount = 0
	err = s.db.QueryRowContext(ctx,
		"SELECT created_at, updated_at FROM tokens WHERE id = ?", t.ID).
		Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: read back: %w", op, err)
	}
	return nil
}

// GetByCode returns the token with the given code or ErrNotFound.
func (s *TokenStore) GetByCode(ctx context.Context, code string) (model.Token, error) {
	const op = "repository.TokenStore.GetByCode"
	t, err := scanToken(s.db.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM tokens t WHERE t.code = ?", code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Token{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return model.Token{}, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}

// List returns every token newest first, with the creator's username when
// creator_id resolves.
func (s *TokenStore) List(ctx context.Context) ([]model.TokenListItem, error) {
	const op = "repository.TokenStore.List"
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tokenColumns+`, u.username
		 FROM tokens t LEFT JOIN users u ON u.id = t.creator_id
		 ORDER BY t.created_at DESC, t.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	items := make([]model.TokenListItem, 0)
	for rows.Next() {
		var username sql.NullString
		t, err := scanToken(rows, &username)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		item := model.TokenListItem{Token: t}
		if username.Valid {
			item.CreatorUsername = &username.String
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return items, nil
}

// ListUsage returns the ledger rows of one token newest first, enriched
// with the consuming user's username and email when user_id resolves.
func (s *TokenStore) ListUsage(ctx context.Context, tokenID string) ([]model.UsageRecordDetail, error) {
	const op = "repository.TokenStore.ListUsage"
	rows, err := s.db.QueryContext(ctx,
		`SELECT tu.id, tu.token_id, tu.user_id, tu.purpose, tu.metadata, tu.user_info, tu.used_at,
			u.username, u.email
		 FROM token_usages tu LEFT JOIN users u ON u.id = tu.user_id
		 WHERE tu.token_id = ?
		 ORDER BY tu.used_at DESC, tu.id DESC`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]model.UsageRecordDetail, 0)
	for rows.Next() {
		var (
			d                  model.UsageRecordDetail
			userID             sql.NullInt64
			metadata, userInfo []byte
			username, email    sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.TokenID, &userID, &d.Purpose, &metadata, &userInfo, &d.UsedAt,
			&username, &email); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		if userID.Valid {
			id := uint64(userID.Int64)
			d.UserID = &id
		}
		if len(metadata) > 0 {
			d.Metadata = json.RawMessage(metadata)
		}
		if len(userInfo) > 0 {
			d.UserInfo = json.RawMessage(userInfo)
		}
		if username.Valid {
			d.Username = &username.String
		}
		if email.Valid {
			d.Email = &email.String
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// WithinTx runs fn inside one transaction.  The transaction commits when fn
// returns nil and rolls back otherwise; fn's error is returned unchanged.
func (s *TokenStore) WithinTx(ctx context.Context, fn func(TokenTx) error) error {
	const op = "repository.TokenStore.WithinTx"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&tokenTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	committed = true
	return nil
}

type tokenTx struct{ tx *sql.Tx }

// LockByCode reads the token row FOR UPDATE.  Other transactions locking the
// same row block until this one ends.
func (x *tokenTx) LockByCode(ctx context.Context, code string) (model.Token, error) {
	const op = "repository.TokenTx.LockByCode"
	t, err := scanToken(x.tx.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM tokens t WHERE t.code = ? FOR UPDATE", code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Token{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return model.Token{}, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}

func (x *tokenTx) GetByID(ctx context.Context, id string) (model.Token, error) {
	const op = "repository.TokenTx.GetByID"
	t, err := scanToken(x.tx.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM tokens t WHERE t.id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Token{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return model.Token{}, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}

// InsertUsage appends u to the ledger and sets u.UsedAt from the store.
func (x *tokenTx) InsertUsage(ctx context.Context, u *model.UsageRecord) error {
	const op = "repository.TokenTx.InsertUsage"
	_, err := x.tx.ExecContext(ctx,
		`INSERT INTO token_usages (id, token_id, user_id, purpose, metadata, user_info, used_at)
		 VALUES (?, ?, ?, ?, ?, ?, UTC_TIMESTAMP(3))`,
		u.ID, u.TokenID, u.UserID, u.Purpose, nullJSON(u.Metadata), nullJSON(u.UserInfo))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var usedAt time.Time
	if err := x.tx.QueryRowContext(ctx,
		"SELECT used_at FROM token_usages WHERE id = ?", u.ID).Scan(&usedAt); err != nil {
		return fmt.Errorf("%s: read back: %w", op, err)
	}
	u.UsedAt = usedAt.UTC()
	return nil
}

// IncrementUsage adds one use.  The guard keeps usage_count <= usage_limit
// even if a caller skipped the lock; a miss yields ErrConflict.
func (x *tokenTx) IncrementUsage(ctx context.Context, tokenID string) error {
	const op = "repository.TokenTx.IncrementUsage"
	res, err := x.tx.ExecContext(ctx,
		`UPDATE tokens SET usage_count = usage_count + 1, updated_at = UTC_TIMESTAMP(3)
		 WHERE id = ? AND usage_count < usage_limit`, tokenID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return nil
}

func (x *tokenTx) SetActive(ctx context.Context, tokenID string, active bool) error {
	const op = "repository.TokenTx.SetActive"
	if _, err := x.tx.ExecContext(ctx,
		"UPDATE tokens SET is_active = ?, updated_at = UTC_TIMESTAMP(3) WHERE id = ?",
		active, tokenID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteUsage removes every ledger row of the token and reports how many.
func (x *tokenTx) DeleteUsage(ctx context.Context, tokenID string) (int64, error) {
	const op = "repository.TokenTx.DeleteUsage"
	res, err := x.tx.ExecContext(ctx, "DELETE FROM token_usages WHERE token_id = ?", tokenID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (x *tokenTx) Delete(ctx context.Context, tokenID string) error {
	const op = "repository.TokenTx.Delete"
	res, err := x.tx.ExecContext(ctx, "DELETE FROM tokens WHERE id = ?", tokenID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func nullJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}
