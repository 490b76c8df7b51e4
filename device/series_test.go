package device

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSeriesUUIDBytesLE(t *testing.T) {
	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	got := seriesUUIDBytesLE(id)
	assert.Equal(t, []byte{
		0x33, 0x22, 0x11, 0x00,
		0x55, 0x44,
		0x77, 0x66,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	}, got)
}
