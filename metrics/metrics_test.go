package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterName(t *testing.T) {
	assert.Equal(t, "0", counterName(0))
	assert.Equal(t, "7", counterName(7))
	assert.Equal(t, "?", counterName(8))
	assert.Equal(t, "?", counterName(-1))
}
