package limiter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRateLimiter_Caps(t *testing.T) {
	assert.Equal(t, DefaultRPS, NewRateLimiter(0).MaxRPS())
	assert.Equal(t, 5, NewRateLimiter(5).MaxRPS())
	assert.Equal(t, MaxSafetyRPS, NewRateLimiter(500).MaxRPS())
}

func TestUnlimited_NeverBlocks(t *testing.T) {
	rl := Unlimited()
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow())
	}
	assert.NoError(t, rl.Wait(context.Background()))
}
