package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrent(t *testing.T) {
	v := Current()

	assert.Equal(t, runtime.Version(), v.GoVersion)
	assert.Equal(t, GitCommit, v.GitCommit)
	assert.NotEmpty(t, v.AppVersion)
	assert.Len(t, v.AsLogFields(), 10)
}
