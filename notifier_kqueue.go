//go:build darwin || freebsd

package fwatch

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

const defaultBackend = BackendKqueue

// noteMask 这些平台没有 NOTE_TRUNCATE，截断表现为 NOTE_WRITE
const noteMask = unix.NOTE_DELETE | unix.NOTE_WRITE | unix.NOTE_EXTEND | unix.NOTE_RENAME

var noteOps = []struct {
	note uint32
	op   Op
}{
	{unix.NOTE_DELETE, OpDelete},
	{unix.NOTE_WRITE, OpWrite},
	{unix.NOTE_EXTEND, OpExtend},
	{unix.NOTE_RENAME, OpRename},
}

// kqueueNotifier 每个 slot 持有一个打开的描述符，注册为 EV_ONESHOT
//
// 描述符会被替换，因此通过 bySlot/byFd 两张表找回 slot
type kqueueNotifier struct {
	kq     int
	bySlot map[int]*os.File
	byFd   map[uint64]int
}

func newKqueueNotifier() (notifier, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("unable to create queue: %w", err)
	}
	unix.CloseOnExec(kq)
	return &kqueueNotifier{
		kq:     kq,
		bySlot: make(map[int]*os.File),
		byFd:   make(map[uint64]int),
	}, nil
}

func change(f *os.File) unix.Kevent_t {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, int(f.Fd()), unix.EVFILT_VNODE, unix.EV_ADD|unix.EV_ONESHOT)
	ev.Fflags = noteMask
	return ev
}

func (n *kqueueNotifier) register(slot int, path string, f *os.File) error {
	if err := n.unregister(slot); err != nil {
		f.Close()
		return err
	}
	n.bySlot[slot] = f
	n.byFd[uint64(f.Fd())] = slot

	if _, err := unix.Kevent(n.kq, []unix.Kevent_t{change(f)}, nil, nil); err != nil {
		n.unregister(slot)
		return &os.PathError{Op: "kevent", Path: path, Err: err}
	}
	return nil
}

func (n *kqueueNotifier) unregister(slot int) error {
	f, ok := n.bySlot[slot]
	if !ok {
		return nil
	}
	delete(n.bySlot, slot)
	delete(n.byFd, uint64(f.Fd()))
	// 关闭描述符时内核自动移除对应的事件
	return f.Close()
}

func (n *kqueueNotifier) wait() ([]notification, error) {
	// 每次都重新提交全部注册，已触发的一次性事件由此重新武装
	changes := make([]unix.Kevent_t, 0, len(n.bySlot))
	for _, f := range n.bySlot {
		changes = append(changes, change(f))
	}
	// 多留一个位置给错误事件
	events := make([]unix.Kevent_t, len(n.bySlot)+1)

	for {
		count, err := unix.Kevent(n.kq, changes, events, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("kevent: %w", err)
		}

		b := newBatch()
		for _, ev := range events[:count] {
			if ev.Flags&unix.EV_ERROR != 0 {
				return nil, fmt.Errorf("error in event list: %w", syscall.Errno(ev.Data))
			}
			slot, ok := n.byFd[uint64(ev.Ident)]
			if !ok {
				continue
			}
			var op Op
			for _, no := range noteOps {
				if ev.Fflags&no.note != 0 {
					op |= no.op
				}
			}
			b.add(slot, op)
		}
		if !b.empty() {
			return b.notifications(), nil
		}
	}
}

func (n *kqueueNotifier) close() error {
	for slot := range n.bySlot {
		n.unregister(slot)
	}
	return unix.Close(n.kq)
}
