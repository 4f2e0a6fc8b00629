// Command canname 输出路径的规范形式。
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ExpandedPossibilities/fwatch/canonpath"
	"github.com/ExpandedPossibilities/fwatch/internal/cliconfig"
	"github.com/alecthomas/kong"
)

const usage = `USAGE: canname [BASE] PATH [PATH2 ...]
Writes a canonicalized version of each PATH, relative to current
working directory or BASE, to standard output.
--config FILE and --log-level LEVEL may precede the paths; '--' ends them.
`

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type cli struct {
	cliconfig.Flags `embed:""`
}

// flagNames 交给 kong 的参数，其余都是路径
var flagNames = []string{"--config", "--log-level"}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func isHelp(arg string) bool {
	return strings.HasPrefix(arg, "--help") || strings.HasPrefix(arg, "-h")
}

// splitArgs 把开头的配置参数与路径分开
//
// 第一个不是配置参数的词开始都是路径，包括以 '-' 开头的名字；
// "--" 明确结束配置参数
func splitArgs(args []string) (flags, paths []string) {
	i := 0
scan:
	for i < len(args) {
		a := args[i]
		if a == "--" {
			return args[:i], args[i+1:]
		}
		for _, name := range flagNames {
			switch {
			case a == name && i+1 < len(args):
				i += 2
				continue scan
			case strings.HasPrefix(a, name+"="):
				i++
				continue scan
			}
		}
		break
	}
	return args[:i], args[i:]
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || isHelp(args[0]) {
		fmt.Fprint(stdout, usage)
		return exitUsage
	}

	var params cli
	parser, err := kong.New(&params,
		kong.Name("canname"),
		kong.NoDefaultHelp(),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	flags, paths := splitArgs(args)
	if _, err := parser.Parse(flags); err != nil {
		fmt.Fprintln(stderr, "canname:", err)
		fmt.Fprint(stdout, usage)
		return exitUsage
	}
	if len(paths) == 0 {
		fmt.Fprint(stdout, usage)
		return exitUsage
	}

	conf, err := params.Resolve()
	if err != nil {
		fmt.Fprintln(stderr, "canname:", err)
		return exitFailure
	}
	logger, err := cliconfig.NewLogger(conf.LogLevel, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "canname:", err)
		return exitFailure
	}

	base := conf.BaseDir
	if len(paths) >= 2 {
		base, paths = paths[0], paths[1:]
	}

	for _, p := range paths {
		out, err := canonpath.Canonicalize(base, p)
		if err != nil {
			logger.WithError(err).Error("failed to calculate canonical path")
			return exitFailure
		}
		fmt.Fprintln(stdout, out)
	}
	return exitOK
}
