package backoff

import (
	"errors"
	"fmt"
	"time"
)

var errEmpty = errors.New("backoff: no tiers")

// TierError reports an invalid tier.
type TierError struct {
	Index int
	Delay time.Duration
}

func (e *TierError) Error() string {
	return fmt.Sprintf("backoff: tier %d (%s) must be positive and not below the previous tier", e.Index, e.Delay)
}
