package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"tools.zach/dev/ps4cord/internal/catalog"
	"tools.zach/dev/ps4cord/internal/config"
	"tools.zach/dev/ps4cord/internal/console"
	"tools.zach/dev/ps4cord/internal/control"
	"tools.zach/dev/ps4cord/internal/engine"
	"tools.zach/dev/ps4cord/internal/logger"
	"tools.zach/dev/ps4cord/internal/paths"
)

// errNotRunning explains a control call that found no daemon.
var errNotRunning = fmt.Errorf("%s is not running (start it with %q)", paths.BinaryName, paths.BinaryName+" run")

// call sends one request to the running daemon.
func call(ctx context.Context, g *globals, req control.Request) (control.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := control.Call(ctx, controlAddr(g.paths()), req)
	if errors.Is(err, control.ErrNoInstance) {
		return resp, errNotRunning
	}
	return resp, err
}

// printStatus writes the status line returned by a control action.
func printStatus(out io.Writer, resp control.Response) error {
	var st engine.Status
	if err := resp.Decode(&st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	fmt.Fprintln(out, st.Summary(time.Now()))
	return nil
}

// ///////////////////////////////////////////////
// status
// ///////////////////////////////////////////////

func setupStatus(fs *pflag.FlagSet) action {
	asJSON := fs.Bool("json", false, "print the raw status as JSON")
	return func(ctx context.Context, g *globals, args []string) error {
		if err := argCount(args, 0, 0); err != nil {
			return err
		}
		resp, err := call(ctx, g, control.Request{Action: control.ActionStatus})
		if err != nil {
			return err
		}
		if *asJSON {
			_, err := fmt.Fprintln(g.out, string(resp.Data))
			return err
		}

		var st statusReply
		if err := resp.Decode(&st); err != nil {
			return fmt.Errorf("decoding status: %w", err)
		}
		now := time.Now()
		fmt.Fprintln(g.out, st.Summary(now))
		if st.Notice != "" {
			fmt.Fprintf(g.out, "note: %s (see %q)\n", st.Notice, paths.BinaryName+" logs")
		}
		tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "  link\t%s\n", st.State)
		if st.Presence != "" {
			fmt.Fprintf(tw, "  presence\t%s\n", st.Presence)
		}
		if st.BackoffStep > 0 {
			fmt.Fprintf(tw, "  backoff step\t%d\n", st.BackoffStep)
		}
		if !st.NextPoll.IsZero() {
			fmt.Fprintf(tw, "  next poll\t%s\n", humanize.RelTime(st.NextPoll, now, "ago", "from now"))
		}
		return tw.Flush()
	}
}

// ///////////////////////////////////////////////
// connect / disconnect / reload
// ///////////////////////////////////////////////

func runConnect(ctx context.Context, g *globals, args []string) error {
	if err := argCount(args, 0, 1); err != nil {
		return err
	}
	req := control.Request{Action: control.ActionConnect}
	if len(args) == 1 {
		req.Address = args[0]
	}
	resp, err := call(ctx, g, req)
	if err != nil {
		return err
	}
	return printStatus(g.out, resp)
}

func runDisconnect(ctx context.Context, g *globals, args []string) error {
	if err := argCount(args, 0, 0); err != nil {
		return err
	}
	resp, err := call(ctx, g, control.Request{Action: control.ActionDisconnect})
	if err != nil {
		return err
	}
	return printStatus(g.out, resp)
}

func runReload(ctx context.Context, g *globals, args []string) error {
	if err := argCount(args, 0, 0); err != nil {
		return err
	}
	resp, err := call(ctx, g, control.Request{Action: control.ActionReload})
	if err != nil {
		return err
	}
	return printStatus(g.out, resp)
}

// ///////////////////////////////////////////////
// edit / games
// ///////////////////////////////////////////////

func setupEdit(fs *pflag.FlagSet) action {
	name := fs.String("name", "", "name to show for the title")
	image := fs.String("image", "", "Discord asset key or image URL (default: keep current)")
	reset := fs.Bool("reset", false, "forget the stored entry so it is looked up again")
	return func(ctx context.Context, g *globals, args []string) error {
		if err := argCount(args, 1, 1); err != nil {
			return err
		}
		id := normalizeTitleID(args[0])
		if !catalog.ValidTitleID(id) {
			return fmt.Errorf("%w: %q", catalog.ErrInvalidTitleID, args[0])
		}
		if *reset {
			if *name != "" || *image != "" {
				return errors.New("--reset cannot be combined with --name or --image")
			}
			return forgetTitle(ctx, g, id)
		}
		if *name == "" {
			return errors.New("--name is required")
		}
		rec, err := editTitle(ctx, g, id, *name, *image)
		if err != nil {
			return err
		}
		fmt.Fprintf(g.out, "%s: %s (image %s)\n", rec.TitleID, rec.Name, rec.Image)
		return nil
	}
}

// editTitle edits through the daemon when it runs, so the edit is
// serialized with its cycles, and in the catalog file otherwise.
func editTitle(ctx context.Context, g *globals, id, name, image string) (catalog.GameRecord, error) {
	resp, err := call(ctx, g, control.Request{Action: control.ActionEdit, TitleID: id, Name: name, Image: image})
	if err == nil {
		var rec catalog.GameRecord
		return rec, resp.Decode(&rec)
	}
	if !errors.Is(err, errNotRunning) {
		return catalog.GameRecord{}, err
	}
	cat, err := catalog.Open(g.paths().Catalog())
	if err != nil {
		return catalog.GameRecord{}, err
	}
	return cat.Edit(id, name, image)
}

func forgetTitle(ctx context.Context, g *globals, id string) error {
	_, err := call(ctx, g, control.Request{Action: control.ActionForget, TitleID: id})
	if errors.Is(err, errNotRunning) {
		var cat *catalog.Catalog
		if cat, err = catalog.Open(g.paths().Catalog()); err == nil {
			err = cat.Forget(id)
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out, "%s: forgotten\n", id)
	return nil
}

func runGames(_ context.Context, g *globals, args []string) error {
	if err := argCount(args, 0, 0); err != nil {
		return err
	}
	cat, err := catalog.Open(g.paths().Catalog())
	if err != nil {
		return err
	}
	games := cat.All()
	if len(games) == 0 {
		fmt.Fprintln(g.out, "catalog is empty")
		return nil
	}
	tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TITLE ID\tNAME\tIMAGE\tSOURCE\tUPDATED")
	for _, rec := range games {
		updated := "-"
		if !rec.UpdatedAt.IsZero() {
			updated = humanize.Time(rec.UpdatedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.TitleID, rec.Name, rec.Image, rec.Source, updated)
	}
	return tw.Flush()
}

// ///////////////////////////////////////////////
// discover
// ///////////////////////////////////////////////

func setupDiscover(fs *pflag.FlagSet) action {
	save := fs.Bool("save", false, "use the console found: connect the running daemon or store it in config.toml")
	timeout := fs.Duration("timeout", 2*time.Minute, "give up after this long")
	return func(ctx context.Context, g *globals, args []string) error {
		if err := argCount(args, 0, 0); err != nil {
			return err
		}
		cfg, err := config.Load(g.dataDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		local, err := console.LocalIPv4()
		if err != nil {
			return err
		}
		fmt.Fprintf(g.out, "scanning %s/24 for a console on port %d...\n", local.Mask(local.DefaultMask()), cfg.Console.Port)

		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		p := newProbe(cfg, cfg.Policy().Timeouts)
		addr, err := console.Discover(ctx, p, console.Candidates(local))
		if err != nil {
			return err
		}
		fmt.Fprintf(g.out, "found console at %s\n", addr)
		if !*save {
			return nil
		}
		return saveDiscovered(ctx, g, addr)
	}
}

// saveDiscovered connects the running daemon to addr, or writes addr to
// config.toml when no daemon runs.
func saveDiscovered(ctx context.Context, g *globals, addr string) error {
	resp, err := call(ctx, g, control.Request{Action: control.ActionConnect, Address: addr})
	if err == nil {
		return printStatus(g.out, resp)
	}
	if !errors.Is(err, errNotRunning) {
		return err
	}
	if _, err := config.Update(g.paths().Config(), func(c *config.Config) {
		c.Console.Address = addr
		c.Console.AutoConnect = true
	}); err != nil {
		return err
	}
	fmt.Fprintf(g.out, "saved %s to %s\n", addr, g.paths().Config())
	return nil
}

// ///////////////////////////////////////////////
// logs
// ///////////////////////////////////////////////

func setupLogs(fs *pflag.FlagSet) action {
	lines := fs.IntP("lines", "n", 50, "number of lines to print")
	return func(_ context.Context, g *globals, args []string) error {
		if err := argCount(args, 0, 0); err != nil {
			return err
		}
		tail, err := logger.ReadTail(g.paths().Log(), *lines)
		if err != nil {
			return fmt.Errorf("reading log: %w", err)
		}
		if tail != "" {
			fmt.Fprintln(g.out, tail)
		}
		return nil
	}
}

