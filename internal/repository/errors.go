// Package repository holds the MySQL data access layer.  The sentinel
// values below let higher layers tell failure scenarios apart without
// depending on driver error types.
package repository

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a lookup or a keyed write matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a unique key, e.g. a
// freshly generated token code that already exists.
var ErrDuplicate = errors.New("duplicate key")

// ErrConflict is returned when a guarded update cannot be applied because
// the row no longer satisfies its guard, such as incrementing a token whose
// usage count already reached its limit.
var ErrConflict = errors.New("conflict")

// ErrEmailExists and ErrUsernameExists refine ErrDuplicate for registration.
var (
	ErrEmailExists    = errors.New("email already exists")
	ErrUsernameExists = errors.New("username already exists")
)

const mysqlDuplicateEntry = 1062

// duplicateKey reports whether err is a MySQL duplicate-entry error and
// returns the message, which names the violated key.
func duplicateKey(err error) (string, bool) {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
		return strings.ToLower(me.Message), true
	}
	return "", false
}
