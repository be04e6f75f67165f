// fstrace runs a delegate build command under a FUSE mirror of the
// filesystem and records which paths it read, wrote, or traversed as
// symlinks.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/introtools/fstrace/internal/orchestrator"
)

var flagMount = &cli.StringFlag{
	Name:    "mount",
	Aliases: []string{"m"},
	Usage:   "directory to mount the traced view of / at",
	Value:   "/tmp/__introfs__",
}

var flagLog = &cli.StringFlag{
	Name:    "log",
	Aliases: []string{"l"},
	Usage:   "path to write the trace log to",
	Value:   "/tmp/__introfs__.log",
}

var flagCompress = &cli.BoolFlag{
	Name:    "compress",
	Aliases: []string{"z"},
	Usage:   "zstd-compress the trace log",
}

var flagVerbose = &cli.BoolFlag{
	Name:    "verbose",
	Aliases: []string{"v"},
	Usage:   "enable diagnostic logging on stderr",
}

var app = &cli.App{
	Usage:     "trace the files a build command reads and writes",
	ArgsUsage: "-- delegate-command [args...]",
	Flags: []cli.Flag{
		flagMount,
		flagLog,
		flagCompress,
		flagVerbose,
	},
	HideHelpCommand: true,
	Action: func(c *cli.Context) error {
		delegate := c.Args().Slice()
		if len(delegate) == 0 {
			cli.ShowAppHelpAndExit(c, 1)
		}

		logOut := io.Writer(os.Stderr)
		if !c.Bool(flagVerbose.Name) {
			logOut = io.Discard
		}
		logger := log.New(logOut, "[fstrace] ", log.LstdFlags)

		cfg := orchestrator.Config{
			MountPoint: c.String(flagMount.Name),
			LogPath:    c.String(flagLog.Name),
			Compress:   c.Bool(flagCompress.Name),
		}

		exitCode, err := orchestrator.Run(delegate, cfg, logger)
		if err != nil {
			return cli.Exit(fmt.Sprintf("fstrace: %v", err), 1)
		}
		if exitCode != 0 {
			return cli.Exit("", exitCode)
		}
		return nil
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[fstrace] FATAL: %v\n", err)
		os.Exit(1)
	}
}
