package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied statement by statement; the MySQL driver rejects
// multi-statement Exec unless multiStatements is enabled.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		email         VARCHAR(255) NOT NULL,
		username      VARCHAR(100) NOT NULL,
		phone         VARCHAR(32)  NULL,
		password_hash VARCHAR(255) NOT NULL,
		member_number VARCHAR(20)  NOT NULL,
		api_key       VARCHAR(32)  NOT NULL,
		role          VARCHAR(20)  NOT NULL DEFAULT 'MEMBER',
		status        VARCHAR(20)  NOT NULL DEFAULT 'active',
		is_active     TINYINT(1)   NOT NULL DEFAULT 1,
		created_at    DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at    DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		UNIQUE KEY uq_users_email (email),
		UNIQUE KEY uq_users_username (username),
		UNIQUE KEY uq_users_member_number (member_number),
		UNIQUE KEY uq_users_api_key (api_key)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		user_id    BIGINT UNSIGNED NOT NULL,
		token_hash CHAR(64)    NOT NULL,
		expires_at DATETIME(3) NOT NULL,
		revoked_at DATETIME(3) NULL,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		UNIQUE KEY uq_refresh_hash (token_hash),
		KEY idx_refresh_user (user_id),
		CONSTRAINT fk_refresh_user FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS tokens (
		id                 CHAR(36)     NOT NULL PRIMARY KEY,
		code               VARCHAR(64)  NOT NULL,
		name               VARCHAR(255) NOT NULL,
		description        TEXT         NULL,
		usage_limit        INT UNSIGNED NOT NULL DEFAULT 1,
		usage_count        INT UNSIGNED NOT NULL DEFAULT 0,
		expires_at         DATETIME(3)  NULL,
		restricted_contact VARCHAR(64)  NULL,
		is_active          TINYINT(1)   NOT NULL DEFAULT 1,
		creator_id         BIGINT UNSIGNED NULL,
		created_at         DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at         DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		UNIQUE KEY uq_tokens_code (code),
		KEY idx_tokens_created (created_at),
		CONSTRAINT chk_tokens_usage CHECK (usage_count <= usage_limit)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS token_usages (
		id        CHAR(26)     NOT NULL PRIMARY KEY,
		token_id  CHAR(36)     NOT NULL,
		user_id   BIGINT UNSIGNED NULL,
		purpose   VARCHAR(255) NOT NULL,
		metadata  JSON         NULL,
		user_info JSON         NULL,
		used_at   DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		KEY idx_usages_token_used (token_id, used_at),
		CONSTRAINT fk_usages_token FOREIGN KEY (token_id) REFERENCES tokens (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates every table the service needs when it is missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	const op = "database.Migrate"
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: statement %d: %w", op, i+1, err)
		}
	}
	return nil
}
