package main

import (
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/ExpandedPossibilities/fwatch"
	"github.com/kballard/go-shellquote"
	log "github.com/sirupsen/logrus"
)

const placeholder = "{}"

var errUsage = errors.New("usage")

// command 待执行的程序与要监控的文件
//
// argv：程序及其参数，replace 指向被替换为文件名的 "{}"，没有时为 -1
// files：用户输入的文件名，顺序即 fwatch.Event.Index
type command struct {
	argv    []string
	replace int
	files   []string
}

// parseCommand 解析 "utility [argument ...] ';' file [file2 ...]"
//
// 只替换第一个 "{}"，其余原样保留
func parseCommand(args []string) (command, error) {
	c := command{replace: -1}
	sep := -1
	for i, a := range args {
		if a == ";" {
			sep = i
			break
		}
	}
	if sep <= 0 || sep == len(args)-1 {
		return c, errUsage
	}

	c.argv = args[:sep]
	c.files = args[sep+1:]
	for i, a := range c.argv {
		if a == placeholder {
			c.replace = i
			break
		}
	}
	return c, nil
}

// runner 每次回调执行一次程序，程序失败时结束监控
type runner struct {
	cmd    command
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	log    log.FieldLogger
	err    error
}

func (r *runner) args(index int) []string {
	argv := append([]string(nil), r.cmd.argv...)
	if r.cmd.replace >= 0 {
		argv[r.cmd.replace] = r.cmd.files[index]
	}
	return argv
}

func (r *runner) handle(ev fwatch.Event) bool {
	argv := r.args(ev.Index)
	r.log.WithFields(log.Fields{
		"path":    ev.Path,
		"events":  ev.Op.String(),
		"command": shellquote.Join(argv...),
	}).Debug("running utility")

	c := exec.Command(argv[0], argv[1:]...)
	c.Stdin, c.Stdout, c.Stderr = r.stdin, r.stdout, r.stderr
	if err := c.Run(); err != nil {
		r.err = err
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.log.WithField("exit_code", exitErr.ExitCode()).Info("utility failed, exiting")
		} else {
			r.log.WithError(err).Error("failed to run utility")
		}
		return false
	}
	return true
}

func newRunner(cmd command, logger log.FieldLogger) *runner {
	return &runner{
		cmd:    cmd,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		log:    logger,
	}
}
