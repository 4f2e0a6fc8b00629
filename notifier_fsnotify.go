package fwatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// fsWatch 一个 slot 当前监控的路径
//
// info 为注册时的文件信息，用来判断路径是否已被删除或替换
type fsWatch struct {
	path string
	dir  bool
	info os.FileInfo
}

// fsnotifyNotifier 用 fsnotify 模拟一次性注册
//
// fsnotify 按路径监控，多个 slot 可能监控同一个祖先目录，因此按路径计数，
// 最后一个 slot 离开时才真正移除监控
type fsnotifyNotifier struct {
	watcher *fsnotify.Watcher
	slots   map[int]fsWatch
	byPath  map[string]map[int]struct{}
	log     log.FieldLogger
}

func newFsnotifyNotifier(logger log.FieldLogger) (*fsnotifyNotifier, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &fsnotifyNotifier{
		watcher: fsw,
		slots:   make(map[int]fsWatch),
		byPath:  make(map[string]map[int]struct{}),
		log:     logger,
	}, nil
}

func (n *fsnotifyNotifier) register(slot int, path string, f *os.File) error {
	info, err := f.Stat()
	// inotify 在描述符关闭之前不会报告删除，这里的句柄是 inotify 的监控本身
	f.Close()
	if err != nil {
		return err
	}
	if err := n.unregister(slot); err != nil {
		return err
	}

	if len(n.byPath[path]) == 0 {
		if err := n.watcher.Add(path); err != nil {
			return err
		}
		n.byPath[path] = make(map[int]struct{})
	}
	n.byPath[path][slot] = struct{}{}
	n.slots[slot] = fsWatch{path: path, dir: info.IsDir(), info: info}
	return nil
}

func (n *fsnotifyNotifier) unregister(slot int) error {
	sw, ok := n.slots[slot]
	if !ok {
		return nil
	}
	delete(n.slots, slot)

	users := n.byPath[sw.path]
	delete(users, slot)
	if len(users) > 0 {
		return nil
	}
	delete(n.byPath, sw.path)
	// 被删除的路径 fsnotify 已经自动移除了监控
	if err := n.watcher.Remove(sw.path); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		n.log.WithFields(log.Fields{"path": sw.path, "error": err}).Debug("remove watch")
	}
	return nil
}

func (n *fsnotifyNotifier) wait() ([]notification, error) {
	b := newBatch()

	for b.empty() {
		select {
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return nil, ErrClosed
			}
			n.collect(b, ev)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return nil, ErrClosed
			}
			return nil, err
		}
	}

	// 已经排队的事件归入同一批
	for {
		select {
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return b.notifications(), nil
			}
			n.collect(b, ev)
		case err, ok := <-n.watcher.Errors:
			if ok {
				return nil, err
			}
			return b.notifications(), nil
		default:
			return b.notifications(), nil
		}
	}
}

// collect 把一个 fsnotify 事件翻译为相关 slot 的事件
//
// 路径本身的事件按类型翻译；被监控目录下子项的创建、删除、重命名
// 视为该目录的写入，与 kqueue 对目录的 NOTE_WRITE 一致
func (n *fsnotifyNotifier) collect(b *batch, ev fsnotify.Event) {
	for slot := range n.byPath[ev.Name] {
		b.add(slot, n.selfOp(n.slots[slot], ev))
	}

	dir := filepath.Dir(ev.Name)
	if dir == ev.Name || !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	for slot := range n.byPath[dir] {
		if n.slots[slot].dir {
			b.add(slot, OpWrite)
		}
	}
}

func (n *fsnotifyNotifier) selfOp(sw fsWatch, ev fsnotify.Event) Op {
	var op Op
	if ev.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if ev.Has(fsnotify.Remove) {
		op |= OpDelete
	}
	if ev.Has(fsnotify.Rename) {
		op |= OpRename
	}
	// 其它进程仍打开着文件时删除只会产生 Chmod
	if ev.Has(fsnotify.Chmod) && n.replaced(sw) {
		op |= OpDelete
	}
	return op
}

func (n *fsnotifyNotifier) replaced(sw fsWatch) bool {
	cur, err := os.Stat(sw.path)
	if err != nil {
		return true
	}
	return sw.info != nil && !os.SameFile(sw.info, cur)
}

func (n *fsnotifyNotifier) close() error {
	n.slots = nil
	n.byPath = nil
	return n.watcher.Close()
}
