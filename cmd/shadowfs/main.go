/*
shadowfs is a user-space passthrough FUSE filesystem: every file and
directory beneath a source tree is mirrored 1:1 at a mount point, while an
observation pipeline running alongside the passthrough logic records which
source paths are actually touched and can write that record to disk on
demand.

The following signals are observed and handled by the filesystem:
  - SIGTERM or SIGINT (CTRL+C) gracefully unmounts the filesystem
  - SIGHUP quiesces the tracer, writing its pending observations to disk
  - SIGUSR1 forces a garbage collection (within Go)
  - SIGUSR2 dumps a diagnostic stacktrace to standard error (stderr)

When enabled, the diagnostics server exposes the following routes over HTTP:
  - "/" for filesystem dashboard and event ring-buffer
  - "/metrics.json" for the same data as JSON
  - "/gc" for forcing of a garbage collection (within Go)
  - "/quiesce" for triggering the tracer's quiesce out of band
  - "/set/enabled/{value}" for toggling the tracer's runtime enabled flag
*/
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/shadowfs/shadowfs/internal/logging"
	"github.com/shadowfs/shadowfs/internal/mirror"
	"github.com/shadowfs/shadowfs/internal/moniker"
	"github.com/shadowfs/shadowfs/internal/scan"
	"github.com/shadowfs/shadowfs/internal/tracer"
	"github.com/shadowfs/shadowfs/internal/webserver"
	"github.com/spf13/cobra"
)

const stackTraceBuffer = 1 << 24

// Version is the program version (filled in from the Makefile).
var Version string

type programOpts struct {
	rootDir          string
	mountDir         string
	accessLogDir     string
	recordFileAccess bool
	cache            bool
	splice           bool
	multithreaded    bool
	debug            bool
	pidFile          string
	dashboardAddress string
}

func rootCmd() *cobra.Command {
	var opts programOpts

	cmd := &cobra.Command{
		Use:   "shadowfs <source-dir> <target-dir>",
		Short: "a passthrough FUSE filesystem that records which source paths are touched",
		Long: `shadowfs mirrors a source directory at a mount point - every read, write and
metadata call passes straight through to the real files, while an
observation pipeline tracks which paths were touched since the last
quiesce.

When mounted, the following OS signals are observed at runtime:
- SIGTERM/SIGINT for gracefully unmounting the FS
- SIGHUP for quiescing the tracer (writing pending observations to disk)
- SIGUSR1 for forcing a garbage collection run within Go
- SIGUSR2 for printing a stack trace to standard error (stderr)

When enabled, the diagnostics dashboard exposes the following routes:
- "/" for filesystem dashboard and event ring-buffer
- "/metrics.json" for the same data as JSON
- "/gc" for forcing of a garbage collection (within Go)
- "/quiesce" for triggering the tracer's quiesce out of band
- "/set/enabled/{value}" for toggling the tracer's runtime enabled flag`,
		Version: Version,
		Args:    cobra.ExactArgs(2), //nolint:mnd
		RunE: func(_ *cobra.Command, args []string) error {
			opts.rootDir = args[0]
			opts.mountDir = args[1]

			return run(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.accessLogDir, "access-log-dir", "a", "", "Directory to write access logs to (disabled when empty)")
	cmd.Flags().BoolVar(&opts.recordFileAccess, "record-file-access", false, "Include files, not just directories, in the initial moniker scan")
	cmd.Flags().BoolVar(&opts.cache, "cache", true, "Advertise a long attribute/entry cache timeout and keep kernel page cache across opens")
	cmd.Flags().BoolVar(&opts.splice, "splice", true, "Record the configured zero-copy transfer preference")
	cmd.Flags().BoolVar(&opts.multithreaded, "multithreaded", true, "Record the configured concurrency preference")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable verbose kernel-side FUSE debug logging")
	cmd.Flags().StringVar(&opts.pidFile, "pid-file", "", "Path to write the process ID to (disabled when empty)")
	cmd.Flags().StringVarP(&opts.dashboardAddress, "webaddr", "w", "", "Address to serve the diagnostics dashboard on (e.g. :8000; but disabled when empty)")

	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts programOpts) error {
	if opts.debug {
		fuse.Debug = func(msg any) { logging.Printf("fuse: %v", msg) }
	}

	if opts.pidFile != "" {
		if err := os.WriteFile(opts.pidFile, fmt.Appendf(nil, "%d\n", os.Getpid()), 0o644); err != nil { //nolint:gosec,mnd
			return fmt.Errorf("pid file error: %w", err)
		}
		defer os.Remove(opts.pidFile) //nolint:errcheck
	}

	trie := moniker.New()

	if _, err := scan.Populate(opts.rootDir, trie, opts.recordFileAccess); err != nil {
		return fmt.Errorf("initial scan error: %w", err)
	}

	tr := tracer.New(opts.accessLogDir, trie)

	fsys, err := mirror.NewFS(opts.rootDir, trie, tr, &mirror.Options{
		Cache:         opts.cache,
		Splice:        opts.splice,
		Multithreaded: opts.multithreaded,
	})
	if err != nil {
		return fmt.Errorf("fs setup error: %w", err)
	}
	defer fsys.Close() //nolint:errcheck

	c, err := fuse.Mount(opts.mountDir, fuse.AllowOther(), fuse.FSName("shadowfs"), fuse.Subtype("shadowfs"))
	if err != nil {
		return fmt.Errorf("fs mount error: %w", err)
	}
	defer c.Close()
	defer fuse.Unmount(opts.mountDir) //nolint:errcheck

	var wg sync.WaitGroup
	errChan := make(chan error, 1)
	wg.Go(func() {
		defer close(errChan)
		if err := fs.Serve(c, fsys); err != nil {
			errChan <- fmt.Errorf("fs serve error: %w", err)
		}
	})

	if opts.dashboardAddress != "" {
		dash, err := webserver.NewFSDashboard(fsys, logging.Buffer, Version)
		if err != nil {
			return fmt.Errorf("dashboard setup error: %w", err)
		}
		srv := dash.Serve(opts.dashboardAddress)
		defer srv.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sig {
			logging.Println("Signal received, unmounting the filesystem...")

			if err := fuse.Unmount(opts.mountDir); err != nil {
				logging.Printf("Unmount error: %v (try again later)\n", err)

				continue
			}

			return
		}
	}()

	sigHup := make(chan os.Signal, 1)
	signal.Notify(sigHup, syscall.SIGHUP)
	go func() {
		for range sigHup {
			logging.Println("Signal received, quiescing the tracer...")

			path, err := tr.Quiesce(os.Getpid())
			if err != nil {
				logging.Printf("Quiesce error: %v\n", err)

				continue
			}

			logging.Printf("Quiesce wrote %q\n", path)
		}
	}()

	sig1 := make(chan os.Signal, 1)
	signal.Notify(sig1, syscall.SIGUSR1)
	go func() {
		for range sig1 {
			logging.Println("Signal received, forcing garbage collection...")
			runtime.GC()
			debug.FreeOSMemory()
		}
	}()

	sig2 := make(chan os.Signal, 1)
	signal.Notify(sig2, syscall.SIGUSR2)
	go func() {
		for range sig2 {
			logging.Println("Signal received, printing stacktrace (to stderr)...")
			buf := make([]byte, stackTraceBuffer)
			stacklen := runtime.Stack(buf, true)
			os.Stderr.Write(buf[:stacklen]) //nolint:errcheck
		}
	}()

	wg.Wait()

	return <-errChan
}
