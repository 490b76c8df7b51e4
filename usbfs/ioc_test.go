package usbfs

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// TestIOCTLNumbers cross-checks the computed request codes against the
// values #define'd by the kernel's usbdevice_fs.h, the same way the
// teacher binding's test does.
func TestIOCTLNumbers(t *testing.T) {
	cases := []struct {
		name   string
		number uintptr
		want   uintptr
	}{
		{"USBDEVFS_CONTROL", USBDEVFS_CONTROL, 0xC0185500},
		{"USBDEVFS_BULK", USBDEVFS_BULK, 0xC0185502},
		{"USBDEVFS_SETINTERFACE", USBDEVFS_SETINTERFACE, 0x80085504},
		{"USBDEVFS_GETDRIVER", USBDEVFS_GETDRIVER, 0x41045508},
		{"USBDEVFS_CLAIMINTERFACE", USBDEVFS_CLAIMINTERFACE, 0x8004550F},
		{"USBDEVFS_RELEASEINTERFACE", USBDEVFS_RELEASEINTERFACE, 0x80045510},
		{"USBDEVFS_IOCTL", USBDEVFS_IOCTL, 0xC0105512},
		{"USBDEVFS_RESET", USBDEVFS_RESET, 0x00005514},
		{"USBDEVFS_DISCONNECT", USBDEVFS_DISCONNECT, 0x00005516},
		{"USBDEVFS_CONNECT", USBDEVFS_CONNECT, 0x00005517},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, c.number, "%s request code mismatch", c.name)
	}
}

func TestGetDriverString(t *testing.T) {
	d := &usbdevfs_getdriver{}
	copy(d.Driver[:], "usbfs\x00garbage")
	assert.Equal(t, "usbfs", d.String())
}

func TestSlicePtrEmpty(t *testing.T) {
	assert.Equal(t, uintptr(0), slicePtr(nil))
	b := []byte{1}
	assert.Equal(t, uintptr(unsafe.Pointer(&b[0])), slicePtr(b))
}
