package cli

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/harun/bamboo/internal/daemon"
	"github.com/spf13/cobra"
)

var stopTimeout int

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the bamboo daemon",
	Long: `Stop the bamboo daemon gracefully.
Sends SIGTERM and waits for it to shut down, then SIGKILL after --timeout.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "seconds to wait before sending SIGKILL")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	lm := daemon.NewLifecycleManager(cfg.DataDir)
	pid, err := lm.Signal(syscall.SIGTERM)
	if errors.Is(err, daemon.ErrNotRunning) {
		fmt.Fprintln(out, "Daemon is not running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sent SIGTERM to %d\n", pid)

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !lm.IsRunning() {
			fmt.Fprintln(out, "Daemon stopped successfully")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if _, err := lm.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	if err := lm.Stop(); err != nil {
		return err
	}
	fmt.Fprintln(out, "Daemon killed")
	return nil
}
