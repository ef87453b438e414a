package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "cedearwatch/"+Version, UserAgent(""))
	assert.Equal(t, "probe/"+Version, UserAgent("probe"))
}

func TestString(t *testing.T) {
	assert.Contains(t, String(), Version)
	assert.Contains(t, String(), "commit "+Commit)
}
