package common

import (
	"emperror.dev/errors"
	"github.com/lib/pq"
)

// ErrPQIsUniqueViolation returns true if err is postgres refusing a duplicate of a unique key
func ErrPQIsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}
