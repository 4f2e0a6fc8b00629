// Package canonpath 把 base + 相对路径 规整为不含 "." 与 ".." 的绝对路径。
//
// 规整只做一次从尾到头的反向扫描，结果直接写进输出缓冲区的尾部，
// 不需要先拼出完整路径，也不需要第二个缓冲区。
// 不解析符号链接，也不检查路径是否存在。
package canonpath

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// MaxLen 输入路径的长度上限(与 Linux 的 PATH_MAX 相同)
//
// 长度 >= MaxLen 的输入直接返回 ErrTooLong，不做截断
const MaxLen = 4096

var (
	// ErrInvalid base 与 path 都为空
	ErrInvalid = errors.New("base and path are both empty")
	// ErrTooLong 某个输入超过 MaxLen
	ErrTooLong = errors.New("path too long")
	// ErrRange 调用方提供的输出缓冲区放不下结果
	ErrRange = errors.New("output buffer too small")
	// ErrWorkingDir 需要当前工作目录但获取失败
	ErrWorkingDir = errors.New("cannot determine working directory")
)

// Error 记录出错时的输入，类似 os.PathError
type Error struct {
	Base string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("canonicalize %q relative to %q: %v", e.Path, e.Base, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WorkDirFunc 返回当前工作目录，只在真正需要时才会被调用
type WorkDirFunc func() (string, error)

// Canonicalize 返回 base 与 rel 拼接后的规范路径
//
// 空字符串视为"未提供"：
//   - 只提供一个时，它被当作唯一输入
//   - rel 以 '/' 开头时忽略 base
//   - 需要 base 而 base 为空时，使用进程的当前工作目录
func Canonicalize(base, rel string) (string, error) {
	return CanonicalizeWithin(base, rel, os.Getwd)
}

// CanonicalizeWithin 与 Canonicalize 相同，但当前工作目录由 cwd 提供
//
// 调用方可以借此缓存工作目录，多次调用只取一次
func CanonicalizeWithin(base, rel string, cwd WorkDirFunc) (string, error) {
	b, r, err := resolve(base, rel, cwd)
	if err != nil {
		return "", err
	}

	// 按最坏情况一次分配，扫描结束后只保留用到的尾部
	buf := make([]byte, maxSize(b, r))
	start, err := scan(buf, b, r)
	if err != nil {
		return "", &Error{Base: base, Path: rel, Err: err}
	}
	return string(buf[start:]), nil
}

// CanonicalizeTo 把规范路径写入 dst，返回使用的字节数，结果为 dst[:n]
//
// 若 len(dst) 不足返回 ErrRange，此时 dst 的内容未定义。
// 所需长度只有在扫描结束后才知道，因此报错前可能已经做了大部分工作
func CanonicalizeTo(dst []byte, base, rel string) (int, error) {
	b, r, err := resolve(base, rel, os.Getwd)
	if err != nil {
		return 0, err
	}

	out := dst
	if m := maxSize(b, r); m < len(out) {
		out = out[:m]
	}
	start, err := scan(out, b, r)
	if err != nil {
		return 0, &Error{Base: base, Path: rel, Err: err}
	}
	return copy(dst, out[start:]), nil
}

// resolve 处理缺省参数、长度检查和工作目录，返回去掉前导 '/' 的 base 与 rel
func resolve(base, rel string, cwd WorkDirFunc) (string, string, error) {
	if base == "" && rel == "" {
		return "", "", &Error{Err: ErrInvalid}
	}
	if len(base) >= MaxLen || len(rel) >= MaxLen {
		return "", "", &Error{Base: base, Path: rel, Err: ErrTooLong}
	}

	if rel == "" {
		base, rel = "", base
	}
	if rel[0] == '/' {
		base = ""
	} else if base == "" {
		if cwd == nil {
			cwd = os.Getwd
		}
		wd, err := cwd()
		if err != nil {
			return "", "", &Error{Path: rel, Err: fmt.Errorf("%w: %w", ErrWorkingDir, err)}
		}
		if len(wd) >= MaxLen {
			return "", "", &Error{Base: wd, Path: rel, Err: ErrTooLong}
		}
		base = wd
	}

	return strings.TrimLeft(base, "/"), strings.TrimLeft(rel, "/"), nil
}

// maxSize 输出的最大可能长度: 两段输入 + 中间的分隔符 + 开头的 '/'
func maxSize(base, rel string) int {
	return len(base) + len(rel) + 2
}

// scan 从尾到头扫描 base + "/" + rel，把保留的字节写入 out 的尾部，
// 返回结果在 out 中的起始下标
//
// pending 为尚未输出的字节数: 1 表示刚越过 '/'，2 表示 "."，3 表示 ".."，
// 更大的值说明这是一个以点结尾的普通名字。
// skip 为因 "../" 而待丢弃的目录层数，大于 0 时输出被吞掉。
// 输入的开头视为一个 '/'。
func scan(out []byte, base, rel string) (int, error) {
	var (
		op      = len(out)
		pending = 1
		skip    = 0
	)

	emit := func(c byte) bool {
		if skip > 0 {
			return true
		}
		if op == 0 {
			return false
		}
		op--
		out[op] = c
		return true
	}

	n := len(rel)
	if base != "" {
		n += len(base) + 1
	}
	at := func(i int) byte {
		switch {
		case base == "":
			return rel[i]
		case i < len(base):
			return base[i]
		case i == len(base):
			return '/'
		default:
			return rel[i-len(base)-1]
		}
	}

	for i := n - 1; i >= -1; i-- {
		c := byte('/')
		if i >= 0 {
			c = at(i)
		}

		if pending > 0 && pending <= 3 {
			switch c {
			case '/':
				// "//" 折叠，"./" 忽略，"../" 多吞一层
				if pending == 3 {
					skip++
				}
				pending = 1
				continue
			case '.':
				pending++
				continue
			}
		}

		// 攒下的点原来是名字的一部分
		for ; pending > 1; pending-- {
			if !emit('.') {
				return 0, ErrRange
			}
		}
		pending = 0

		if !emit(c) {
			return 0, ErrRange
		}
		if c == '/' {
			if skip > 0 {
				skip--
			}
			pending = 1
		}
	}

	// ".." 多过了祖先层数时，结果开头的 '/' 也被吞掉了
	if op == len(out) || out[op] != '/' {
		if op == 0 {
			return 0, ErrRange
		}
		op--
		out[op] = '/'
	}
	return op, nil
}
