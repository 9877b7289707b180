// Package main implements ps4cord, a daemon that watches a PS4 running an
// FTP payload and publishes the running game as Discord Rich Presence, plus
// the CLI that controls it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"tools.zach/dev/ps4cord/internal/paths"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time via ldflags (-X main.version=...). Without
// ldflags, resolveVersion reads the VCS info embedded by the toolchain.
var version = "dev"

// resolveVersion returns the build version string, "dev+<hash>" for
// untagged builds with VCS info.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// Default Data Directory
// ///////////////////////////////////////////////

// defaultDataDir returns ~/.ps4cord, or ./.ps4cord when the home directory
// cannot be determined. PS4CORD_DATA_DIR overrides both.
func defaultDataDir() string {
	if dir := os.Getenv("PS4CORD_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", paths.DataDirRel)
	}
	return filepath.Join(home, paths.DataDirRel)
}

// ///////////////////////////////////////////////
// Commands
// ///////////////////////////////////////////////

// globals are the flags every command accepts.
type globals struct {
	dataDir    string
	foreground bool
	out        io.Writer
}

func (g *globals) paths() paths.DataDir { return paths.DataDir{Root: g.dataDir} }

// action runs a command with its positional arguments.
type action func(ctx context.Context, g *globals, args []string) error

// command describes one subcommand. setup registers the command's flags
// and returns the action bound to them.
type command struct {
	usage   string
	summary string
	setup   func(fs *pflag.FlagSet) action
}

var commands = map[string]command{
	"run": {
		usage:   "run [--foreground]",
		summary: "start the daemon (default when no command is given)",
		setup:   func(*pflag.FlagSet) action { return runDaemon },
	},
	"status": {
		usage:   "status [--json]",
		summary: "show the console link and current presence",
		setup:   setupStatus,
	},
	"connect": {
		usage:   "connect [ADDRESS]",
		summary: "connect to the console, optionally at a new address",
		setup:   func(*pflag.FlagSet) action { return runConnect },
	},
	"disconnect": {
		usage:   "disconnect",
		summary: "drop the console link until the next connect",
		setup:   func(*pflag.FlagSet) action { return runDisconnect },
	},
	"edit": {
		usage:   "edit TITLE_ID --name NAME [--image KEY] | edit TITLE_ID --reset",
		summary: "set the name and image shown for a title",
		setup:   setupEdit,
	},
	"games": {
		usage:   "games",
		summary: "list the game catalog",
		setup:   func(*pflag.FlagSet) action { return runGames },
	},
	"discover": {
		usage:   "discover [--save]",
		summary: "scan the local network for a console",
		setup:   setupDiscover,
	},
	"reload": {
		usage:   "reload",
		summary: "reload config.toml in the running daemon",
		setup:   func(*pflag.FlagSet) action { return runReload },
	},
	"logs": {
		usage:   "logs [-n LINES]",
		summary: "print the end of the daemon log",
		setup:   setupLogs,
	},
	"version": {
		usage:   "version",
		summary: "print the version",
		setup: func(*pflag.FlagSet) action {
			return func(_ context.Context, g *globals, _ []string) error {
				fmt.Fprintln(g.out, paths.BinaryName, resolveVersion())
				return nil
			}
		},
	},
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run parses args and executes the selected command.
func run(ctx context.Context, args []string, out io.Writer) error {
	name := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}
	if name == "help" {
		printHelp(out)
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q (see %q)", name, paths.BinaryName+" help")
	}

	g := &globals{out: out}
	fs := pflag.NewFlagSet(paths.BinaryName+" "+name, pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&g.dataDir, "data-dir", defaultDataDir(), "data directory for config, catalog and logs")
	fs.BoolVar(&g.foreground, "foreground", false, "also write log lines to stderr")
	act := cmd.setup(fs)
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: %s %s\n\n%s\n\nFlags:\n", paths.BinaryName, cmd.usage, cmd.summary)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	return act(ctx, g, fs.Args())
}

func printHelp(out io.Writer) {
	fmt.Fprintf(out, "%s %s: PS4 game activity as Discord Rich Presence\n\nUsage:\n", paths.BinaryName, resolveVersion())
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-12s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(out, "\nRun %q for command flags.\n", paths.BinaryName+" COMMAND --help")
}

// argCount checks the number of positional arguments.
func argCount(args []string, lo, hi int) error {
	switch {
	case len(args) < lo:
		return errors.New("missing argument")
	case len(args) > hi:
		return fmt.Errorf("unexpected argument: %s", args[hi])
	}
	return nil
}
