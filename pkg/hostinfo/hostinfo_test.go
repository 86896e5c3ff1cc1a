package hostinfo

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	info := Detect(context.Background())

	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.Positive(t, info.CPUThreads)
	assert.NotEmpty(t, info.CPUModel)
	assert.GreaterOrEqual(t, info.MemTotalBytes, info.MemAvailBytes)
}
