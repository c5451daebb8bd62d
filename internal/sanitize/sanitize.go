// Package sanitize validates user-chosen names before they are composed into DDL.
// Only letters, digits and underscore are accepted; everything else is rejected
// rather than escaped.
package sanitize

import (
	"regexp"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/models"
)

// MaxIdentifierLength is PostgreSQL's NAMEDATALEN - 1.
const MaxIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is inside the safe identifier set.
func ValidIdentifier(name string) bool {
	return len(name) > 0 && len(name) <= MaxIdentifierLength && identifierPattern.MatchString(name)
}

// Check returns ErrInvalidIdentifier for names outside the safe set.
func Check(name string) error {
	if !ValidIdentifier(name) {
		return errors.Wrapf(models.ErrInvalidIdentifier, "%q", name)
	}
	return nil
}

// CheckAll validates every name and returns the first failure.
func CheckAll(names ...string) error {
	for _, n := range names {
		if err := Check(n); err != nil {
			return err
		}
	}
	return nil
}

// Identifier validates name and returns it quoted for SQL.
func Identifier(name string) (string, error) {
	if err := Check(name); err != nil {
		return "", err
	}
	return pq.QuoteIdentifier(name), nil
}

// Qualified validates both parts and returns "schema"."table".
func Qualified(schema, table string) (string, error) {
	s, err := Identifier(schema)
	if err != nil {
		return "", err
	}
	t, err := Identifier(table)
	if err != nil {
		return "", err
	}
	return s + "." + t, nil
}

// MustIdentifier is Identifier for names fixed at compile time.
func MustIdentifier(name string) string {
	q, err := Identifier(name)
	if err != nil {
		panic(err)
	}
	return q
}

// Literal quotes a value as a SQL string literal. Used for regclass arguments
// where a bind parameter is not possible.
func Literal(value string) string {
	return pq.QuoteLiteral(value)
}
