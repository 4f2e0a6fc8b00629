package fwatch

import (
	"fmt"
	"os"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// target 一个输入路径在监控期间的全部状态
//
// path：规整后的绝对路径，监控期间不变
// slashes：path 中每个 '/' 的位置，从右向左排列；
// slashes[0] 为 -1，表示不截断（原文件本身），最后一项为 0，表示根目录
// cursor：当前打开的是 slashes 中哪一项对应的前缀，0 表示原文件
// end：len(slashes)，光标到达它说明连根目录都已遍历完
// dev：第一次成功打开时记录的设备号，之后的打开必须与之相同
type target struct {
	index    int
	path     string
	slashes  []int
	cursor   int
	end      int
	dev      uint64
	devKnown bool
}

func newTarget(index int, path string) *target {
	slashes := slashIndex(path)
	return &target{
		index:   index,
		path:    path,
		slashes: slashes,
		end:     len(slashes),
	}
}

// slashIndex 计算路径中所有 '/' 的位置，从右向左，第 0 项为 -1
func slashIndex(path string) []int {
	out := []int{-1}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			out = append(out, i)
		}
	}
	return out
}

// prefix 返回在第 k 个截断点截断后的路径，不修改 path 本身
func (t *target) prefix(k int) string {
	switch off := t.slashes[k]; {
	case off < 0:
		return t.path
	case off == 0:
		return "/"
	default:
		return t.path[:off]
	}
}

// deviceID 返回已打开文件所在的设备号，测试中可以替换
var deviceID = deviceOf

// walk 从原文件开始逐级向上，打开第一个能打开的路径并注册事件
//
// 打开前先释放该 target 原有的句柄。
// 不存在、不是目录、无权限、被中断这几类错误会继续向上；其它错误直接返回
func (w *Watcher) walk(t *target) error {
	if err := w.notifier.unregister(t.index); err != nil {
		return fmt.Errorf("failed to release %s: %w", t.prefix(t.cursor), err)
	}

	for k := 0; k < t.end; k++ {
		p := t.prefix(k)
		f, err := os.Open(p)
		if err != nil {
			if isTransient(err) {
				continue
			}
			return err
		}

		dev, err := deviceID(f)
		if err != nil {
			f.Close()
			return err
		}
		if !t.devKnown {
			t.dev, t.devKnown = dev, true
			w.log.WithFields(log.Fields{"path": p, "device": dev}).Debug("recorded device")
		} else if dev != t.dev {
			f.Close()
			return fmt.Errorf("%s: %w (%w)", p, ErrCrossDevice, syscall.EXDEV)
		}

		// 注册后文件归通知后端所有；打开之后路径可能又被删除
		if err := w.notifier.register(t.index, p, f); err != nil {
			if isTransient(err) {
				continue
			}
			return fmt.Errorf("failed to register %s: %w", p, err)
		}
		t.cursor = k
		if k > 0 {
			w.log.WithFields(log.Fields{"path": t.path, "ancestor": p}).Debug("watching ancestor")
		}
		return nil
	}

	t.cursor = t.end - 1
	return fmt.Errorf("%s: %w", t.path, ErrUnreachable)
}
