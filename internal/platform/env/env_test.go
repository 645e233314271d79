package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHelpersFallBackOnMissingOrInvalid(t *testing.T) {
	t.Setenv("SCHEDGE_TEST_INT", "x")
	t.Setenv("SCHEDGE_TEST_DUR", "-1s")
	t.Setenv("SCHEDGE_TEST_BOOL", "maybe")

	assert.Equal(t, "fb", String("SCHEDGE_TEST_UNSET", "fb"))
	assert.Equal(t, 7, Int("SCHEDGE_TEST_INT", 7))
	assert.Equal(t, time.Second, Duration("SCHEDGE_TEST_DUR", time.Second))
	assert.True(t, Bool("SCHEDGE_TEST_BOOL", true))
	assert.Equal(t, 2.5, Float("SCHEDGE_TEST_UNSET", 2.5))
}

func TestHelpersParse(t *testing.T) {
	t.Setenv("SCHEDGE_TEST_INT", "12")
	t.Setenv("SCHEDGE_TEST_DUR", "1500ms")
	t.Setenv("SCHEDGE_TEST_BOOL", "false")
	t.Setenv("SCHEDGE_TEST_FLOAT", "0.5")

	assert.Equal(t, 12, Int("SCHEDGE_TEST_INT", 0))
	assert.Equal(t, 1500*time.Millisecond, Duration("SCHEDGE_TEST_DUR", 0))
	assert.False(t, Bool("SCHEDGE_TEST_BOOL", true))
	assert.Equal(t, 0.5, Float("SCHEDGE_TEST_FLOAT", 0))
}
