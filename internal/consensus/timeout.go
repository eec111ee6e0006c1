package consensus

import (
	"errors"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/store"
)

// Bounds of the proposal timeout. A single validator cannot shrink the
// window below MinTimeout even through an accepted change.
const (
	MinTimeout     = 30 * time.Second
	MaxTimeout     = 24 * time.Hour
	DefaultTimeout = 10 * time.Minute
)

// TimeoutConfig is the value stored at timeout_config. It only changes
// through an Accepted timeout_config proposal.
type TimeoutConfig struct {
	Seconds    int64     `json:"timeout_seconds"`
	UpdatedAt  time.Time `json:"updated_at"`
	ProposalID string    `json:"proposal_id,omitempty"`
}

// Duration returns the configured timeout
func (c TimeoutConfig) Duration() time.Duration {
	return time.Duration(c.Seconds) * time.Second
}

// ValidateTimeout rejects windows outside [MinTimeout, MaxTimeout]
func ValidateTimeout(d time.Duration) error {
	if d < MinTimeout || d > MaxTimeout {
		return apperr.ErrInvalidPayload.With("timeout %s outside [%s, %s]", d, MinTimeout, MaxTimeout)
	}
	return nil
}

// ReadTimeout returns the accepted timeout, or fallback when none has
// been accepted yet.
func ReadTimeout(r store.Reader, fallback time.Duration) (time.Duration, error) {
	var cfg TimeoutConfig
	err := store.GetJSON(r, store.KeyTimeoutConfig, &cfg)
	if errors.Is(err, store.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	d := cfg.Duration()
	if ValidateTimeout(d) != nil {
		return fallback, nil
	}
	return d, nil
}
