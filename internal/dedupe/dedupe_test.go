package dedupe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenRecentlyDetectsReplay(t *testing.T) {
	tr := NewTracker()
	defer tr.Stop()

	assert.False(t, tr.SeenRecently("abc"))
	assert.True(t, tr.SeenRecently("abc"))
	assert.False(t, tr.SeenRecently("def"))
}

func TestAllowEnforcesClassCaps(t *testing.T) {
	tr := NewTracker()
	defer tr.Stop()

	// build: cap of 3 per minute
	assert.True(t, tr.Allow("build"))
	assert.True(t, tr.Allow("build"))
	assert.True(t, tr.Allow("build"))
	assert.False(t, tr.Allow("build"), "4th build request within a minute must be denied")
}

func TestAllowUsesDefaultForUnknownClass(t *testing.T) {
	tr := NewTracker()
	defer tr.Stop()

	for i := 0; i < DefaultRateLimit; i++ {
		assert.True(t, tr.Allow("unknown-class"))
	}
	assert.False(t, tr.Allow("unknown-class"))
}

func TestClassLimitTable(t *testing.T) {
	assert.Equal(t, 5, ClassLimit("panic"))
	assert.Equal(t, 30, ClassLimit("snapshot"))
	assert.Equal(t, 20, ClassLimit("maint"))
	assert.Equal(t, 6, ClassLimit("scan"))
	assert.Equal(t, 3, ClassLimit("build"))
	assert.Equal(t, 10, ClassLimit("ritual"))
	assert.Equal(t, DefaultRateLimit, ClassLimit("nonexistent"))
}
