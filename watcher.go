package fwatch

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ExpandedPossibilities/fwatch/canonpath"
	log "github.com/sirupsen/logrus"
)

// Op 表示一次事件的标志位，可能同时包含多个
//
// 各后端能产生的标志：
//   - kqueue：OpDelete、OpWrite、OpExtend、OpRename，截断表现为 OpWrite
//   - fsnotify：OpDelete、OpWrite、OpRename，追加与截断都表现为 OpWrite
type Op uint32

const (
	// OpDelete 文件被删除
	OpDelete Op = 1 << iota
	// OpWrite 内容被写入；对目录而言是目录项发生了变化
	OpWrite
	// OpExtend 文件变长
	OpExtend
	// OpTruncate 文件被截断（目前的后端都不会单独报告）
	OpTruncate
	// OpRename 文件被重命名
	OpRename
)

var opNames = []struct {
	op   Op
	name string
}{
	{OpDelete, "DELETE"},
	{OpWrite, "WRITE"},
	{OpExtend, "EXTEND"},
	{OpTruncate, "TRUNCATE"},
	{OpRename, "RENAME"},
}

// Has 判断 op 是否包含 o 中的全部标志
func (op Op) Has(o Op) bool { return op&o == o }

func (op Op) String() string {
	var b strings.Builder
	for _, n := range opNames {
		if op.Has(n.op) {
			if b.Len() > 0 {
				b.WriteByte('|')
			}
			b.WriteString(n.name)
		}
	}
	if b.Len() == 0 {
		return "[no events]"
	}
	return b.String()
}

// Event 交给回调的事件
//
// Op：原始事件标志
// Index：该路径在 Config.Paths 中的下标
// Path：规整后的绝对路径
type Event struct {
	Op    Op
	Index int
	Path  string
}

// HandlerFunc 事件回调，返回 false 表示不再继续；
// 事件循环会先处理完当前这一批事件再退出
type HandlerFunc func(Event) bool

var (
	// ErrNoPaths 没有提供任何路径
	ErrNoPaths = errors.New("no paths to watch")
	// ErrClosed Watcher 已经关闭
	ErrClosed = errors.New("watcher closed")
	// ErrUnsupportedBackend 当前平台不支持指定的通知后端
	ErrUnsupportedBackend = errors.New("unsupported notification backend")
	// ErrCrossDevice 祖先目录位于另一个文件系统设备上
	ErrCrossDevice = errors.New("ancestor is on a different device")
	// ErrUnreachable 路径及其所有祖先都无法打开
	ErrUnreachable = errors.New("no ancestor could be opened")
	// ErrRootExhausted 祖先目录一直被删除到了设备的根
	ErrRootExhausted = errors.New("ancestors deleted to the root of the device")
)

// Config 用于配置 Watcher
//
// Paths：需要监控的路径，相对路径与绝对路径可以混用
// BaseDir：相对路径的基准目录，默认使用进程的当前工作目录
// Backend：通知后端，"fsnotify" 或 "kqueue"，为空时按平台选择
// Logger：日志输出，默认丢弃
type Config struct {
	Paths   []string
	BaseDir string
	Backend string
	Logger  log.FieldLogger
}

// Watcher 监控一组路径
//
// targets：每个输入路径一个 target，下标同时也是它在通知后端中的 slot
// notifier：一次性事件的通知后端，持有每个 target 当前唯一的句柄
type Watcher struct {
	cfg      Config
	targets  []*target
	notifier notifier
	log      log.FieldLogger
	closed   bool
}

// New 根据给定配置创建 Watcher，并完成全部准备工作：
// 规整路径、计算 slash 下标、打开最深的存在的祖先并注册事件。
//
// 任何一个路径连根目录都无法打开时返回错误，不会部分成功
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, ErrNoPaths
	}
	if cfg.Logger == nil {
		quiet := log.New()
		quiet.SetOutput(io.Discard)
		cfg.Logger = quiet
	}
	logger := cfg.Logger.WithField("component", "fwatch")

	n, err := newNotifier(cfg.Backend, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		targets:  make([]*target, 0, len(cfg.Paths)),
		notifier: n,
		log:      logger,
	}

	// 工作目录只在遇到第一个相对路径时获取一次，准备阶段结束后丢弃
	var cwd string
	workDir := func() (string, error) {
		if cwd != "" {
			return cwd, nil
		}
		dir := cfg.BaseDir
		if dir == "" {
			dir = "."
		}
		abs, err := canonpath.Canonicalize("", dir)
		if err != nil {
			return "", err
		}
		cwd = abs
		return cwd, nil
	}

	for i, p := range cfg.Paths {
		abs, err := canonpath.CanonicalizeWithin("", p, workDir)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to resolve path %q: %w", p, err)
		}

		t := newTarget(i, abs)
		w.targets = append(w.targets, t)
		w.log.WithFields(log.Fields{"index": i, "path": abs}).Debug("watching")

		if err := w.walk(t); err != nil {
			w.log.WithFields(log.Fields{"path": abs, "error": err}).Error("unable to open file for watching")
			w.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", abs, err)
		}
	}

	return w, nil
}

// Watch 创建 Watcher 并运行事件循环，直到 fn 返回 false 或出现错误
func Watch(paths []string, fn HandlerFunc) error {
	w, err := New(Config{Paths: paths})
	if err != nil {
		return err
	}
	return w.Run(fn)
}

// Run 运行事件循环
//
// 对于每个事件：
//   - 删除或重命名时，光标上移一层；越过设备的根时返回 ErrRootExhausted
//   - 光标不在原文件时，重新从原文件开始向上遍历，尝试回到原文件
//   - 只有光标回到原文件时才调用 fn
//
// 无论以何种方式返回，所有句柄都会被释放
func (w *Watcher) Run(fn HandlerFunc) error {
	if w.closed {
		return ErrClosed
	}
	defer w.Close()

	cont := true
	for cont {
		batch, err := w.notifier.wait()
		if err != nil {
			w.log.WithError(err).Error("error in event list")
			return fmt.Errorf("failed to wait for events: %w", err)
		}

		for _, n := range batch {
			t := w.targets[n.slot]
			w.log.WithFields(log.Fields{
				"path":   t.prefix(t.cursor),
				"events": n.op.String(),
			}).Debug("event")

			if n.op&(OpDelete|OpRename) != 0 {
				t.cursor++
				if t.cursor >= t.end {
					w.log.WithField("path", t.path).Error("parents deleted to root of device, giving up")
					return fmt.Errorf("%s: %w", t.path, ErrRootExhausted)
				}
			}

			if t.cursor != 0 {
				if err := w.walk(t); err != nil {
					w.log.WithFields(log.Fields{"path": t.path, "error": err}).Error("unable to do parent walk")
					return fmt.Errorf("failed to re-open %s: %w", t.path, err)
				}
			}

			if t.cursor == 0 && !fn(Event{Op: n.op, Index: t.index, Path: t.path}) {
				cont = false
			}
		}
	}
	return nil
}

// Close 释放所有句柄，可以重复调用
func (w *Watcher) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.targets = nil
	return w.notifier.close()
}
