//go:build !darwin && !freebsd

package fwatch

import "fmt"

const defaultBackend = BackendFsnotify

func newKqueueNotifier() (notifier, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, BackendKqueue)
}
