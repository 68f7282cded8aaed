package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const pidFileName = "ticketdesk.pid"

// exitNotRunning is returned by `status` when no server is up.
const exitNotRunning = 3

var errNotRunning = errors.New("ticketdesk server is not running")

func init() {
	stopCmd.Flags().Duration("wait", 0, "wait up to this long for the server to exit")
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

// readPIDFile parses the process ID written by `serve`.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, errNotRunning
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%s does not hold a process ID: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// serverProcess returns the live server process recorded under dataDir.
// A PID file naming a dead process counts as not running.
func serverProcess(dataDir string) (*os.Process, error) {
	pid, err := readPIDFile(pidFilePath(dataDir))
	if err != nil {
		return nil, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("%w (stale PID file names %d)", errNotRunning, pid)
	}
	return proc, nil
}

// waitExit polls proc until it is gone or timeout passes.
func waitExit(proc *os.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if proc.Signal(syscall.Signal(0)) != nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Shut down the ticketdesk server started by serve",
	Long: `Ask the ticketdesk server to shut down. The server stops accepting
requests and exits once in-flight AI responses finish.
With --wait the command blocks until the process is gone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		proc, err := serverProcess(cfg.DataDir)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal server %d: %w", proc.Pid, err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ticketdesk server %d: shutdown requested\n", proc.Pid)

		wait, _ := cmd.Flags().GetDuration("wait")
		if wait <= 0 {
			return nil
		}
		if !waitExit(proc, wait) {
			return fmt.Errorf("ticketdesk server %d still running after %s", proc.Pid, wait)
		}
		fmt.Fprintf(out, "ticketdesk server %d: exited\n", proc.Pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Re-exec the ticketdesk server with fresh config",
	Long: `Ask the ticketdesk server to re-exec itself. The new process rereads
the config file and keeps the same PID file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		proc, err := serverProcess(cfg.DataDir)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("signal server %d: %w", proc.Pid, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ticketdesk server %d: re-exec requested\n", proc.Pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the ticketdesk server is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		proc, err := serverProcess(cfg.DataDir)
		if errors.Is(err, errNotRunning) {
			fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return &exitError{code: exitNotRunning, err: err}
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "running (pid %d, listening on %s)\n", proc.Pid, cfg.HTTP.Listen)
		return nil
	},
}
