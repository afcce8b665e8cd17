package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(1, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "burst request %d", i)
	}
	assert.False(t, l.Allow("1.2.3.4"), "bucket exhausted")
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(1, 1)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("5.6.7.8"), "other clients keep their own budget")
}

func TestRateLimiterPrunesStaleBuckets(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("1.2.3.4")
	assert.Len(t, l.buckets, 1)

	now = now.Add(staleBucketAge + time.Minute)
	l.Allow("5.6.7.8")
	assert.Len(t, l.buckets, 1, "stale bucket pruned, fresh one kept")
	assert.Contains(t, l.buckets, "5.6.7.8")
}
