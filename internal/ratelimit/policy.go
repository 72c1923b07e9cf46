package ratelimit

import (
	"errors"
	"strconv"
	"time"

	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// Defaults match the original service: 5 requests per rolling minute.
const (
	DefaultMaxRequests = 5
	DefaultWindow      = 60 * time.Second
)

// ErrInvalidPolicy is returned (wrapped) for a non-positive limit or window.
var ErrInvalidPolicy = errors.New("invalid admission policy")

// Policy is the admission policy for every client: at most MaxRequests
// admitted requests within any trailing Window. Read-only once a Limiter is built.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultPolicy returns the 5 per 60s policy.
func DefaultPolicy() Policy {
	return Policy{MaxRequests: DefaultMaxRequests, Window: DefaultWindow}
}

// Validate reports ErrInvalidPolicy when either field is not positive.
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return xerrors.Wrapf(ErrInvalidPolicy, "max requests must be positive (got %d)", p.MaxRequests)
	}
	if p.Window <= 0 {
		return xerrors.Wrapf(ErrInvalidPolicy, "window must be positive (got %s)", p.Window)
	}
	return nil
}

func (p Policy) String() string {
	return strconv.Itoa(p.MaxRequests) + "/" + p.Window.String()
}
