package journal

import (
	"os"
	"syscall"
)

// fdatasync ensures durability of the data written to the file. It can be
// faster than f.Sync() because it skips flushing metadata (modification and
// access times) that durability does not require.
//
// WARNING: errors are not recoverable. Many file systems mark dirty pages as
// clean after a failed sync, so a retry cannot be trusted; callers must treat
// a failure as permanent.
func fdatasync(f *os.File) error {
	return syscall.Fdatasync(int(f.Fd()))
}
