//go:build !unix

package fwatch

import (
	"errors"
	"io/fs"
	"os"
)

// 没有设备号时所有路径视为同一设备
func deviceOf(*os.File) (uint64, error) { return 0, nil }

func isTransient(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)
}
