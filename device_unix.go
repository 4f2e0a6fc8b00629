//go:build unix

package fwatch

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

func deviceOf(f *os.File) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, &os.PathError{Op: "fstat", Path: f.Name(), Err: err}
	}
	return uint64(st.Dev), nil
}

// isTransient 遍历祖先时可以跳过、继续向上的打开错误
func isTransient(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, unix.ENOTDIR) ||
		errors.Is(err, unix.EINTR)
}
