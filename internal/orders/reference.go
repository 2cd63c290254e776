package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewReference generates a payment reference unique across the system.
// It is derived from the clock plus a random suffix rather than a
// central sequence, because references are minted client-side before
// any server round-trip.
func NewReference() string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("ord-%d-%s", time.Now().UnixMilli(), suffix)
}
