package fwatch

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// settle 给事件循环留出处理上一个变化、重新注册的时间
const settle = 200 * time.Millisecond

// observed 回调看到的事件，以及回调时原文件是否存在
type observed struct {
	Event
	exists bool
}

// runWatcher 在后台运行事件循环，stop 返回 true 时结束
func runWatcher(t *testing.T, w *Watcher, stop func(Event) bool) (<-chan observed, <-chan error) {
	t.Helper()
	events := make(chan observed, 64)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(func(ev Event) bool {
			_, err := os.Stat(ev.Path)
			events <- observed{Event: ev, exists: err == nil}
			return !stop(ev)
		})
	}()
	return events, done
}

func expectEvent(t *testing.T, events <-chan observed) observed {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for file event")
	}
	return observed{}
}

func expectNoEvent(t *testing.T, events <-chan observed) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s for %s", ev.Op, ev.Path)
	case <-time.After(settle):
	}
}

func expectDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for watcher to stop")
	}
	return nil
}

func testLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.DebugLevel)
	return l
}

// TestNewErrors 准备阶段的错误
func TestNewErrors(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoPaths)

	_, err = New(Config{Paths: []string{t.TempDir()}, Backend: "inotify-ng"})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)

	if runtime.GOOS != "darwin" && runtime.GOOS != "freebsd" {
		_, err = New(Config{Paths: []string{t.TempDir()}, Backend: BackendKqueue})
		assert.ErrorIs(t, err, ErrUnsupportedBackend)
	}

	_, err = New(Config{Paths: []string{"/tmp", ""}})
	assert.Error(t, err)
}

// TestNewCanonicalizes 相对路径与绝对路径都会被规整
func TestNewCanonicalizes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), nil, 0o644))

	w, err := New(Config{
		Paths:   []string{"sub/../f", dir + "//sub/./../f"},
		BaseDir: dir,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	defer w.Close()

	want := filepath.Join(dir, "f")
	for _, tg := range w.targets {
		assert.Equal(t, want, tg.path)
		assert.Equal(t, 0, tg.cursor)
	}
}

// TestNewMissingLeaf 原文件不存在时监控最深的存在的祖先
func TestNewMissingLeaf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x", "y", "z")

	w, err := New(Config{Paths: []string{path}})
	require.NoError(t, err)
	defer w.Close()

	tg := w.targets[0]
	assert.Equal(t, 3, tg.cursor)
	assert.Equal(t, dir, tg.prefix(tg.cursor))
	assert.True(t, tg.devKnown)
}

// TestRunAfterClose 关闭后不能再运行
func TestRunAfterClose(t *testing.T) {
	w, err := New(Config{Paths: []string{t.TempDir()}})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Run(func(Event) bool { return false }), ErrClosed)
}

// TestWatchWrite 修改文件时回调收到下标与事件
func TestWatchWrite(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("b"), 0o644))

	w, err := New(Config{Paths: []string{a, b}, Logger: testLogger()})
	require.NoError(t, err)
	events, done := runWatcher(t, w, func(Event) bool { return true })

	f, err := os.OpenFile(b, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString("more")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ev := expectEvent(t, events)
	assert.Equal(t, 1, ev.Index)
	assert.Equal(t, b, ev.Path)
	assert.True(t, ev.Op.Has(OpWrite) || ev.Op.Has(OpExtend), ev.Op.String())

	assert.NoError(t, expectDone(t, done))
	assert.True(t, w.closed)
}

// TestWatchDeleteRecreate 原文件不存在期间不调用回调，重建后恢复监控
func TestWatchDeleteRecreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaf")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w, err := New(Config{Paths: []string{path}, Logger: testLogger()})
	require.NoError(t, err)

	count := 0
	events, done := runWatcher(t, w, func(Event) bool {
		count++
		return count >= 2
	})

	require.NoError(t, os.Remove(path))
	expectNoEvent(t, events)

	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	ev := expectEvent(t, events)
	assert.True(t, ev.exists, "callback fired while the leaf was absent")
	assert.Equal(t, 0, ev.Index)
	time.Sleep(settle)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	ev = expectEvent(t, events)
	assert.True(t, ev.exists)

	assert.NoError(t, expectDone(t, done))
}

// TestWatchRename 重命名与删除一样处理
func TestWatchRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaf")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w, err := New(Config{Paths: []string{path}})
	require.NoError(t, err)
	events, done := runWatcher(t, w, func(Event) bool { return true })

	require.NoError(t, os.Rename(path, path+".old"))
	expectNoEvent(t, events)

	require.NoError(t, os.Rename(path+".old", path))
	ev := expectEvent(t, events)
	assert.True(t, ev.exists)
	assert.Equal(t, path, ev.Path)

	assert.NoError(t, expectDone(t, done))
}

// TestWatchAncestorsDeleted 祖先目录全部删除后逐级重建，会话保持存活
func TestWatchAncestorsDeleted(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(a, "b")
	path := filepath.Join(b, "leaf")
	require.NoError(t, os.MkdirAll(b, 0o755))
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w, err := New(Config{Paths: []string{path}, Logger: testLogger()})
	require.NoError(t, err)
	tg := w.targets[0]
	events, done := runWatcher(t, w, func(Event) bool { return true })

	require.NoError(t, os.RemoveAll(a))
	expectNoEvent(t, events)

	require.NoError(t, os.Mkdir(a, 0o755))
	expectNoEvent(t, events)
	require.NoError(t, os.Mkdir(b, 0o755))
	expectNoEvent(t, events)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	ev := expectEvent(t, events)
	assert.True(t, ev.exists)

	assert.NoError(t, expectDone(t, done))
	assert.Equal(t, 0, tg.cursor)
}

// TestWatchCrossDevice 祖先位于另一个设备上时会话以错误结束
func TestWatchCrossDevice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaf")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	// 原文件在设备 1 上，其它路径都在设备 2 上
	deviceID = func(f *os.File) (uint64, error) {
		if f.Name() == path {
			return 1, nil
		}
		return 2, nil
	}
	defer func() { deviceID = deviceOf }()

	w, err := New(Config{Paths: []string{path}})
	require.NoError(t, err)
	events, done := runWatcher(t, w, func(Event) bool { return true })

	require.NoError(t, os.Remove(path))

	err = expectDone(t, done)
	assert.ErrorIs(t, err, ErrCrossDevice)
	assert.ErrorIs(t, err, syscall.EXDEV)
	assert.Empty(t, events)
}

// TestNewDeviceError 获取设备号失败时准备阶段失败
func TestNewDeviceError(t *testing.T) {
	deviceID = func(f *os.File) (uint64, error) { return 0, os.ErrClosed }
	defer func() { deviceID = deviceOf }()

	_, err := New(Config{Paths: []string{t.TempDir()}})
	assert.ErrorIs(t, err, os.ErrClosed)
}

// fakeNotifier 按预设返回注册结果与事件批次
//
// registerErrs 依次作为每次 register 的结果，用完后注册总是成功
type fakeNotifier struct {
	registered   map[int]string
	registerErrs []error
	batches      [][]notification
	waitErr      error
	closed       bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{registered: make(map[int]string)}
}

func (n *fakeNotifier) register(slot int, path string, f *os.File) error {
	f.Close()
	if len(n.registerErrs) > 0 {
		err := n.registerErrs[0]
		n.registerErrs = n.registerErrs[1:]
		if err != nil {
			return err
		}
	}
	n.registered[slot] = path
	return nil
}

func (n *fakeNotifier) unregister(slot int) error {
	delete(n.registered, slot)
	return nil
}

func (n *fakeNotifier) wait() ([]notification, error) {
	if len(n.batches) > 0 {
		b := n.batches[0]
		n.batches = n.batches[1:]
		return b, nil
	}
	if n.waitErr != nil {
		return nil, n.waitErr
	}
	return nil, ErrClosed
}

func (n *fakeNotifier) close() error {
	n.closed = true
	return nil
}

func newFakeWatcher(n *fakeNotifier, targets ...*target) *Watcher {
	return &Watcher{
		targets:  targets,
		notifier: n,
		log:      testLogger().WithField("component", "fwatch"),
	}
}

// TestRunWaitError 通知后端出错时会话结束并返回该错误
func TestRunWaitError(t *testing.T) {
	overflow := errors.New("queue overflow")
	n := newFakeNotifier()
	n.waitErr = overflow
	w := newFakeWatcher(n, newTarget(0, "/"))

	called := false
	err := w.Run(func(Event) bool {
		called = true
		return true
	})
	assert.ErrorIs(t, err, overflow)
	assert.Contains(t, err.Error(), "failed to wait for events")
	assert.False(t, called)
	assert.True(t, n.closed)
}

// TestRunRootExhausted 根目录也被删除时会话以错误结束
func TestRunRootExhausted(t *testing.T) {
	tg := newTarget(0, "/")
	tg.cursor = tg.end - 1

	n := newFakeNotifier()
	n.batches = [][]notification{{{slot: 0, op: OpDelete}}}
	w := newFakeWatcher(n, tg)

	err := w.Run(func(Event) bool {
		t.Fatal("callback on root deletion")
		return false
	})
	assert.ErrorIs(t, err, ErrRootExhausted)
	assert.True(t, n.closed)

	// 重命名同样使光标上移
	tg = newTarget(0, "/a")
	tg.cursor = tg.end - 1
	n = newFakeNotifier()
	n.batches = [][]notification{{{slot: 0, op: OpRename}}}
	err = newFakeWatcher(n, tg).Run(func(Event) bool { return true })
	assert.ErrorIs(t, err, ErrRootExhausted)
}

// TestWalkRegisterErrors 注册时的暂时性错误继续向上，其它错误直接返回
func TestWalkRegisterErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaf")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	// 打开之后原文件被删除
	n := newFakeNotifier()
	n.registerErrs = []error{&os.PathError{Op: "add", Path: path, Err: syscall.ENOENT}}
	w := newFakeWatcher(n)
	tg := newTarget(0, path)
	require.NoError(t, w.walk(tg))
	assert.Equal(t, 1, tg.cursor)
	assert.Equal(t, dir, n.registered[0])

	n = newFakeNotifier()
	n.registerErrs = []error{syscall.EIO}
	w = newFakeWatcher(n)
	tg = newTarget(0, path)
	err := w.walk(tg)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.Empty(t, n.registered)

	// 每一级都注册失败；临时目录与根目录可能不在同一设备上
	deviceID = func(*os.File) (uint64, error) { return 1, nil }
	defer func() { deviceID = deviceOf }()
	n = newFakeNotifier()
	for range slashIndex(path) {
		n.registerErrs = append(n.registerErrs, syscall.EACCES)
	}
	w = newFakeWatcher(n)
	tg = newTarget(0, path)
	err = w.walk(tg)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, tg.end-1, tg.cursor)
}

// TestWalkReleasesSlot 遍历前先释放原有的注册
func TestWalkReleasesSlot(t *testing.T) {
	dir := t.TempDir()
	n := newFakeNotifier()
	n.registered[0] = "/stale"
	w := newFakeWatcher(n)

	tg := newTarget(0, filepath.Join(dir, "missing", "leaf"))
	require.NoError(t, w.walk(tg))
	assert.Equal(t, 2, tg.cursor)
	assert.Equal(t, dir, n.registered[0])
}

// BenchmarkSlashIndex 基准测试
func BenchmarkSlashIndex(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = slashIndex("/usr/local/share/some/deeply/nested/file.txt")
	}
}
