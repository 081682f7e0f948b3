package market

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyResult         = errors.New("provider returned no rows")
	ErrRateLimited         = errors.New("provider rate limit reached")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrInvalidInterval     = errors.New("unsupported interval")
)

// ProviderError wraps a failed upstream call. Transient is false for answers that will not
// change on retry, such as an unknown symbol.
type ProviderError struct {
	Provider  string
	Op        string
	Err       error
	Transient bool
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
