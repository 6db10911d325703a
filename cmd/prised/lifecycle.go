package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prise-term/prise/internal/config"
)

// pidFilePath derives the pid file location: configured value, or the
// socket path with a .pid suffix.
func pidFilePath(cfg *config.Config) string {
	if cfg.Daemon.PidFile != "" {
		return cfg.Daemon.PidFile
	}
	return strings.TrimSuffix(cfg.Socket.Path, ".sock") + ".pid"
}

func readPid(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon detached from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			pidFile := pidFilePath(cfg)
			if pid := readPid(pidFile); pid != 0 && processAlive(pid) {
				fmt.Printf("daemon already running (pid %d)\n", pid)
				return nil
			}
			os.Remove(pidFile)

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("find executable: %w", err)
			}
			childArgs := []string{"run"}
			if configPath != "" {
				childArgs = append(childArgs, "--config", configPath)
			}
			child := exec.Command(exe, childArgs...)
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			child.Env = append(os.Environ(), "PRISE_PID_FILE="+pidFile)
			if err := child.Start(); err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}
			child.Process.Release()

			// Wait for the socket to appear.
			for i := 0; i < 50; i++ {
				if _, err := os.Stat(cfg.Socket.Path); err == nil {
					fmt.Printf("daemon started (pid %d)\n", readPid(pidFile))
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("daemon started but socket not yet available")
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			pidFile := pidFilePath(cfg)
			pid := readPid(pidFile)
			if pid == 0 || !processAlive(pid) {
				fmt.Println("daemon not running")
				os.Remove(pidFile)
				return nil
			}
			syscall.Kill(pid, syscall.SIGTERM)
			for i := 0; i < 50; i++ {
				if !processAlive(pid) {
					fmt.Printf("daemon stopped (was pid %d)\n", pid)
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			fmt.Fprintln(os.Stderr, "daemon did not stop within 5s, sending SIGKILL")
			syscall.Kill(pid, syscall.SIGKILL)
			os.Remove(pidFile)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			pid := readPid(pidFilePath(cfg))
			if pid == 0 || !processAlive(pid) {
				fmt.Println("daemon is not running")
				os.Exit(1)
			}
			fmt.Printf("daemon is running (pid %d)\n", pid)
			return nil
		},
	}
}
