package fwatch

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

const (
	// BackendFsnotify 基于 github.com/fsnotify/fsnotify，所有平台可用
	BackendFsnotify = "fsnotify"
	// BackendKqueue 直接使用 kqueue(2)，仅 darwin/freebsd 可用
	BackendKqueue = "kqueue"
)

// notification 一个 slot 在一批事件中的合并结果
type notification struct {
	slot int
	op   Op
}

// notifier 一次性事件通知后端
//
// 每个 slot 同一时刻最多注册一个路径。事件交付一次后该 slot 即失效，
// 下一次 wait 开始时重新武装全部已注册的 slot。
// 同一个 slot 在一批中的多个事件合并为一条。
type notifier interface {
	// register 为 slot 注册 path 的事件，f 为已打开的 path，调用后归后端所有
	register(slot int, path string, f *os.File) error
	// unregister 取消 slot 的注册并释放句柄，未注册时什么也不做
	unregister(slot int) error
	// wait 阻塞直到至少一个 slot 有事件
	wait() ([]notification, error)
	close() error
}

func newNotifier(backend string, logger log.FieldLogger) (notifier, error) {
	if backend == "" {
		backend = defaultBackend
	}
	switch backend {
	case BackendFsnotify:
		return newFsnotifyNotifier(logger)
	case BackendKqueue:
		return newKqueueNotifier()
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, backend)
}

// batch 按 slot 首次出现的顺序合并事件
type batch struct {
	order []int
	ops   map[int]Op
}

func newBatch() *batch {
	return &batch{ops: make(map[int]Op)}
}

func (b *batch) add(slot int, op Op) {
	if op == 0 {
		return
	}
	if _, ok := b.ops[slot]; !ok {
		b.order = append(b.order, slot)
	}
	b.ops[slot] |= op
}

func (b *batch) empty() bool { return len(b.order) == 0 }

func (b *batch) notifications() []notification {
	out := make([]notification, 0, len(b.order))
	for _, slot := range b.order {
		out = append(out, notification{slot: slot, op: b.ops[slot]})
	}
	return out
}
