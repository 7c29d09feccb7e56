package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// EventChannel is the pub/sub channel carrying one tenant's domain events.
func EventChannel(tenantID uuid.UUID) string {
	return fmt.Sprintf("fieldops:events:%s", tenantID)
}
