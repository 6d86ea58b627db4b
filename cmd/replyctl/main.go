// main.go - replyctl binary.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/katzenpost/replyctl/common"
	"github.com/katzenpost/replyctl/config"
	"github.com/katzenpost/replyctl/core/log"
	"github.com/katzenpost/replyctl/daemon"
	"github.com/katzenpost/replyctl/tokenstore"
)

const dialTimeout = 2 * time.Minute

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	tagStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	staleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replyctl",
		Short: "Reply token resource controller",
		Long: `replyctl manages the reply tokens (SURBs) received from anonymous
correspondents.  It spends them on queued reply fragments, asks for more
before they run out, retransmits unacknowledged fragments and discards
tokens invalidated by key rotation.

Packets are built and transmitted by the packet layer replyctl connects to.`,
	}
	cmd.AddCommand(newRunCommand(), newInspectCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reply token controller",
		Example: `  # Start with the default configuration file
  replyctl run

  # Start with a specific configuration file
  replyctl run -f /etc/replyctl/replyctl.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "replyctl.toml",
		"path to the configuration file (TOML format)")
	return cmd
}

func newInspectCommand() *cobra.Command {
	var configFile, dbFile string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted reply tokens",
		Long: `inspect prints a summary of the reply tokens held for every
correspondent in the token database.  bolt locks the database
exclusively, so the daemon must be stopped first.`,
		Example: `  replyctl inspect -f /etc/replyctl/replyctl.toml
  replyctl inspect --db /var/lib/replyctl/tokens.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbFile == "" {
				cfg, err := config.LoadFile(configFile)
				if err != nil {
					return common.NewUsageError("failed to load config file '%v': %v", configFile, err)
				}
				dbFile = cfg.Storage.DatabasePath
			}
			if dbFile == "" {
				return common.NewUsageError("no token database: set Storage.DatabasePath or pass --db")
			}
			return inspect(cmd, dbFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "replyctl.toml",
		"path to the configuration file (TOML format)")
	cmd.Flags().StringVar(&dbFile, "db", "",
		"path to the token database, overriding the configuration file")
	return cmd
}

func inspect(cmd *cobra.Command, dbFile string) error {
	logBackend, err := log.New("", "ERROR", false)
	if err != nil {
		return err
	}
	db, err := tokenstore.OpenBolt(logBackend, dbFile)
	if err != nil {
		return fmt.Errorf("failed to open token database '%v': %v", dbFile, err)
	}
	defer db.Close()

	entries, err := db.Inspect()
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastReceivedAt.After(entries[j].LastReceivedAt)
	})

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-32s %6s %6s %9s  %s", "SENDER TAG", "FRESH", "STALE", "REQUESTED", "LAST RECEIVED")))
	for _, e := range entries {
		stale := fmt.Sprintf("%6d", e.PossiblyStale)
		if e.PossiblyStale > 0 {
			stale = staleStyle.Render(stale)
		}
		fmt.Fprintf(w, "%s %6d %s %9d  %s\n",
			tagStyle.Render(e.Tag.String()),
			e.Fresh,
			stale,
			e.PendingRequested,
			e.LastReceivedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "%d correspondents\n", len(entries))
	return nil
}

func runDaemon(configFile string) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return common.NewUsageError("failed to load config file '%v': %v", configFile, err)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	d, err := daemon.New(ctx, cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to spawn replyctl instance: %v", err)
	}
	defer d.Shutdown()

	// Halt gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		d.Shutdown()
	}()

	// Rotate logs upon SIGHUP.
	go func() {
		for range rotateCh {
			d.RotateLog()
		}
	}()

	d.Wait()
	return nil
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
