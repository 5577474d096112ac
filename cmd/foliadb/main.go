// Command foliadb is a small inspection CLI over the foliadb engine,
// replacing the teacher's interactive SQL REPL (cmd/novusdb) now that there
// is no SQL surface to drive (see SPEC_FULL.md's Non-goal on a query
// language). Built on github.com/spf13/cobra, the same command-tree shape
// cuemby-warren's cmd/warren uses, instead of the teacher's hand-rolled
// flag/REPL parsing.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/foliadb/foliadb"
	"github.com/foliadb/foliadb/checkpoint"
	"github.com/foliadb/foliadb/errs"
)

// Exit codes per spec §6: 0 success, 1 usage error, 2 corruption detected,
// 3 I/O error, 4 read-only violation.
const (
	exitOK         = 0
	exitUsage      = 1
	exitCorruption = 2
	exitIO         = 3
	exitReadOnly   = 4
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps the engine's error taxonomy onto the CLI's exit codes.
// Any error that isn't an *errs.Error (e.g. cobra's own usage errors) is
// treated as a usage error.
func exitCodeFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindCorruption:
		return exitCorruption
	case errs.KindIO:
		return exitIO
	case errs.KindReadOnly:
		return exitReadOnly
	case errs.KindUnknown:
		return exitUsage
	default:
		return exitUsage
	}
}

var rootCmd = &cobra.Command{
	Use:   "foliadb",
	Short: "Inspect and operate a foliadb database file",
	Long: `foliadb is an inspection CLI for the embedded document-database engine:
open a database, print its statistics, run a checkpoint, or tail a
collection's change stream.`,
}

func init() {
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(vacuumCmd)

	checkpointCmd.Flags().String("mode", "full", "checkpoint mode: passive|full|truncate|restart")
	watchCmd.Flags().Bool("payload", false, "capture and print each event's document payload")
}

func openForInspection(path string, readOnly bool) (*foliadb.Engine, error) {
	access := foliadb.AccessReadWrite
	if readOnly {
		access = foliadb.AccessReadOnly
	}
	return foliadb.Open(path, foliadb.Config{
		Access: access,
		Logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
	})
}

var statCmd = &cobra.Command{
	Use:   "stat PATH",
	Short: "Print collection names and page cache statistics for a database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openForInspection(args[0], true)
		if err != nil {
			return err
		}
		defer e.Close()

		fmt.Printf("Collections:\n")
		for _, name := range e.Collections() {
			fmt.Printf("  %s\n", name)
		}

		hits, misses, size, capacity := e.CacheStats()
		fmt.Printf("\nPage cache: %d/%d pages, %d hits, %d misses\n", size, capacity, hits, misses)
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint PATH",
	Short: "Run one checkpoint cycle against a database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modeFlag, _ := cmd.Flags().GetString("mode")
		mode, err := parseMode(modeFlag)
		if err != nil {
			return err
		}

		e, err := openForInspection(args[0], false)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Checkpoint(mode); err != nil {
			return err
		}
		fmt.Printf("checkpoint (%s) complete\n", modeFlag)
		return nil
	},
}

func parseMode(s string) (checkpoint.Mode, error) {
	switch s {
	case "passive":
		return checkpoint.ModePassive, nil
	case "full":
		return checkpoint.ModeFull, nil
	case "truncate":
		return checkpoint.ModeTruncate, nil
	case "restart":
		return checkpoint.ModeRestart, nil
	default:
		return 0, errs.New(errs.KindUnknown, fmt.Sprintf("unknown checkpoint mode %q (want passive|full|truncate|restart)", s))
	}
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum PATH COLLECTION",
	Short: "Reclaim tombstoned space in a collection's data pages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, collection := args[0], args[1]

		e, err := openForInspection(path, false)
		if err != nil {
			return err
		}
		defer e.Close()

		reclaimed, err := e.Compact(collection)
		if err != nil {
			return err
		}
		fmt.Printf("reclaimed %d bytes from %s\n", reclaimed, collection)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch PATH COLLECTION",
	Short: "Tail a collection's change stream and print events as they arrive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, collection := args[0], args[1]
		capturePayload, _ := cmd.Flags().GetBool("payload")

		e, err := openForInspection(path, true)
		if err != nil {
			return err
		}
		defer e.Close()

		sub := e.Watch(collection, capturePayload)
		defer sub.Close()

		fmt.Printf("watching %s (ctrl-c to stop)\n", collection)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("[%s] %s op=%v id=%x lsn=%d", ev.Timestamp.Format(time.RFC3339Nano), ev.Collection, ev.Op, ev.DocID, ev.LSN)
			if capturePayload && len(ev.Payload) > 0 {
				fmt.Printf(" payload=%dB", len(ev.Payload))
			}
			fmt.Println()
		}
	},
}
