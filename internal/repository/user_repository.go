package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/token-issuance/internal/codegen"
	"github.com/iliyamo/token-issuance/internal/model"
	"github.com/iliyamo/token-issuance/internal/utils"
)

const userColumns = `id, email, username, phone, password_hash, member_number, api_key,
	role, status, is_active, created_at, updated_at`

// identifierAttempts bounds regeneration of member_number/api_key when a
// generated value collides.
const identifierAttempts = 5

type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// NewUser carries the registration input.  Password is plain text and is
// hashed before it reaches the store.
type NewUser struct {
	Email    string
	Username string
	Phone    string
	Password string
	Role     string
}

// Create hashes the password, generates member_number and api_key, inserts
// the user and returns the stored row.  Duplicate email or username map to
// ErrEmailExists / ErrUsernameExists.
func (r *UserRepo) Create(ctx context.Context, in NewUser, cost int) (model.User, error) {
	const op = "repository.UserRepo.Create"
	email := strings.ToLower(strings.TrimSpace(in.Email))
	hash, err := utils.HashPassword(in.Password, cost)
	if err != nil {
		return model.User{}, fmt.Errorf("%s: %w", op, err)
	}
	var phone *string
	if p := strings.TrimSpace(in.Phone); p != "" {
		phone = &p
	}

	for attempt := 0; attempt < identifierAttempts; attempt++ {
		member, err := codegen.MemberNumber(time.Now())
		if err != nil {
			return model.User{}, fmt.Errorf("%s: %w", op, err)
		}
		apiKey, err := codegen.APIKey()
		if err != nil {
			return model.User{}, fmt.Errorf("%s: %w", op, err)
		}
		res, err := r.DB.ExecContext(ctx,
			`INSERT INTO users (email, username, phone, password_hash, member_number, api_key, role)
			 VALUES (?,?,?,?,?,?,?)`,
			email, in.Username, phone, hash, member, apiKey, in.Role)
		if err != nil {
			if msg, dup := duplicateKey(err); dup {
				switch {
				case strings.Contains(msg, "uq_users_email"):
					return model.User{}, ErrEmailExists
				case strings.Contains(msg, "uq_users_username"):
					return model.User{}, ErrUsernameExists
				}
				continue // generated identifier collided
			}
			return model.User{}, fmt.Errorf("%s: %w", op, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return model.User{}, fmt.Errorf("%s: %w", op, err)
		}
		return r.GetByID(ctx, uint64(id))
	}
	return model.User{}, fmt.Errorf("%s: %w", op, ErrDuplicate)
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		u     model.User
		phone sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &u.Username, &phone, &u.PasswordHash, &u.MemberNumber, &u.APIKey,
		&u.Role, &u.Status, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, err
	}
	if phone.Valid {
		u.Phone = &phone.String
	}
	return u, nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	const op = "repository.UserRepo.GetByEmail"
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	const op = "repository.UserRepo.GetByID"
	u, err := scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// List returns all users newest first.
func (r *UserRepo) List(ctx context.Context) ([]model.User, error) {
	const op = "repository.UserRepo.List"
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	users := make([]model.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return users, nil
}
