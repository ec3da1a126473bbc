package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(1))
	assert.Equal(t, 60*time.Second, Backoff(2))
	assert.Equal(t, 120*time.Second, Backoff(3))
	assert.Equal(t, 240*time.Second, Backoff(4))
	assert.Equal(t, 480*time.Second, Backoff(5))

	// out-of-range attempts clamp to the first delay
	assert.Equal(t, 30*time.Second, Backoff(0))
	assert.Equal(t, 30*time.Second, Backoff(-3))
}

func TestDedupeInboxes(t *testing.T) {
	in := []string{
		"https://a.example/inbox",
		"",
		"https://b.example/inbox",
		"https://a.example/inbox",
		"https://c.example/inbox",
		"https://b.example/inbox",
	}
	assert.Equal(t, []string{
		"https://a.example/inbox",
		"https://b.example/inbox",
		"https://c.example/inbox",
	}, DedupeInboxes(in))

	assert.Empty(t, DedupeInboxes(nil))
	assert.Empty(t, DedupeInboxes([]string{"", ""}))
}
