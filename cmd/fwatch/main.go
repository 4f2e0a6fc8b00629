// Command fwatch 在文件被修改时执行指定的程序。
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ExpandedPossibilities/fwatch"
	"github.com/ExpandedPossibilities/fwatch/internal/cliconfig"
	"github.com/alecthomas/kong"
)

const usage = `Usage: fwatch utility [argument ...] ';' file [file2 ...]
       fwatch utility [argument ...] '{}' [argument ...] ';' file [file2 ...]

Watches files for modification.
Invokes utility with configured arguments each time one of the listed files is modified.
Stops watching the files and exits once utility exits with a return code other than zero.

ARGUMENTS
 Utility will be invoked with arguments from the argument list.
 A single '{}' in the argument list will be replaced with the name of the modified file.
 This replacement happens at most once.
 The semicolon between the argument list and the file list is mandatory.

FILES
 Handles file deletion and deletion of any parent directories by monitoring for them to
 be replaced.
 Treats file renaming as deletion.
 Will continue to monitor the target paths so long as a single directory in the path
 exists on the same device.

EXAMPLES
 fwatch hexdump -C {} ';' /some/file/that/changes
 fwatch pfctl -t me -T replace self \; /var/db/dhclient.leases.*
`

const (
	exitOK      = 0
	exitFailure = 1
	exitWatch   = 2
)

type cli struct {
	cliconfig.Flags `embed:""`

	Backend string   `help:"Notification backend (fsnotify, kqueue)." env:"FWATCH_BACKEND"`
	BaseDir string   `help:"Base directory for relative file names." env:"FWATCH_BASE_DIR" placeholder:"DIR"`
	Args    []string `arg:"" optional:"" passthrough:"" help:"utility [argument ...] ';' file [file2 ...]"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var params cli
	parser, err := kong.New(&params,
		kong.Name("fwatch"),
		kong.Description("Watches files for modification and runs a utility on each change."),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	if _, err := parser.Parse(args); err != nil {
		fmt.Fprintln(stderr, "fwatch:", err)
		fmt.Fprint(stdout, usage)
		return exitFailure
	}

	cmd, err := parseCommand(params.Args)
	if err != nil {
		fmt.Fprint(stdout, usage)
		return exitFailure
	}

	conf, err := params.Resolve()
	if err != nil {
		fmt.Fprintln(stderr, "fwatch:", err)
		return exitFailure
	}
	cliconfig.Override(&conf.Backend, params.Backend)
	cliconfig.Override(&conf.BaseDir, params.BaseDir)

	logger, err := cliconfig.NewLogger(conf.LogLevel, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "fwatch:", err)
		return exitFailure
	}

	w, err := fwatch.New(fwatch.Config{
		Paths:   cmd.files,
		BaseDir: conf.BaseDir,
		Backend: conf.Backend,
		Logger:  logger,
	})
	if err != nil {
		logger.WithError(err).Error("unable to watch files")
		return exitWatch
	}
	logger.WithField("files", len(cmd.files)).Info("ready")

	r := newRunner(cmd, logger)
	r.stdout, r.stderr = stdout, stderr
	if err := w.Run(r.handle); err != nil {
		logger.WithError(err).Error("watch failed")
		return exitWatch
	}

	if r.err != nil {
		return exitFailure
	}
	return exitOK
}
