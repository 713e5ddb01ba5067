package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter() (*Limiter, *sync.Mutex) {
	var mu sync.Mutex
	cfg := map[Action]Config{
		"chatting": {Amount: 2, Timeframe: 50 * time.Millisecond, Restore: 80 * time.Millisecond},
	}
	return New(&mu, cfg), &mu
}

func TestHitLimitsWhenReachingAmount(t *testing.T) {
	l, mu := newTestLimiter()
	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, Allowed, l.Hit("1.2.3.4", "chatting"))
	// Second hit reaches the cap exactly -> limited per §4.B step 3.
	require.Equal(t, Limited, l.Hit("1.2.3.4", "chatting"))
	// Further hits before restore remain limited, clamped at amount.
	require.Equal(t, Limited, l.Hit("1.2.3.4", "chatting"))
	require.Equal(t, 2, l.Count("1.2.3.4", "chatting"))
}

func TestUnconfiguredActionAlwaysAllowed(t *testing.T) {
	l, mu := newTestLimiter()
	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, Allowed, l.Hit("1.2.3.4", "changingMode"))
	require.Equal(t, Allowed, l.Hit("1.2.3.4", "changingMode"))
}

func TestIndependentAddresses(t *testing.T) {
	l, mu := newTestLimiter()
	mu.Lock()
	l.Hit("a", "chatting")
	l.Hit("a", "chatting")
	mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, Allowed, l.Hit("b", "chatting"))
}

func TestRestoreResetsAfterCap(t *testing.T) {
	l, mu := newTestLimiter()

	mu.Lock()
	l.Hit("1.2.3.4", "chatting")
	l.Hit("1.2.3.4", "chatting") // arms the restore timer
	mu.Unlock()

	time.Sleep(120 * time.Millisecond) // past restore, past timeframe

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, l.Count("1.2.3.4", "chatting"))
	require.Equal(t, Allowed, l.Hit("1.2.3.4", "chatting"))
}

func TestTimeframeResetsBelowCap(t *testing.T) {
	l, mu := newTestLimiter()

	mu.Lock()
	l.Hit("1.2.3.4", "chatting") // count=1, below cap, arms timeframe timer only
	mu.Unlock()

	time.Sleep(70 * time.Millisecond) // past timeframe (50ms), below restore window

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, l.Count("1.2.3.4", "chatting"))
}
