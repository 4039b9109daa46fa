package backend

import (
	"context"
	"errors"
	"net"
)

// Category groups backend failures by how a caller should react to them.
type Category string

const (
	CategoryInvalidURL  Category = "invalid_url"
	CategoryUnavailable Category = "unavailable"
	CategoryUnsupported Category = "unsupported"
	CategoryNetwork     Category = "network"
	CategoryBackend     Category = "backend"
)

type CategorizedError struct {
	Category Category
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func wrapCategory(cat Category, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return err
	}
	return &CategorizedError{Category: cat, Err: err}
}

// CategoryOf reports the category of err. Context errors and network errors
// that were never categorised count as CategoryNetwork; anything else is
// CategoryBackend.
func CategoryOf(err error) Category {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}
	return CategoryBackend
}
