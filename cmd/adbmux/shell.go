package main

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pgaskin/go-adbmux/adblib/adbexec"
)

func newShellCommand(g *globals) *cobra.Command {
	var pty, noPTY, legacy bool
	cmd := &cobra.Command{
		Use:   "shell [-t|-T] [-x] [command...]",
		Short: "Run a shell command, or start an interactive shell",
		Long: "shell runs the arguments as a /system/bin/sh command line on the device, or starts an interactive shell if there are none. " +
			"A PTY is allocated for interactive shells when stdin is a terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pty && noPTY {
				return errors.New("--tty and --no-tty are mutually exclusive")
			}
			dev, err := g.device(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			c := adbexec.ShellContext(cmd.Context(), dev, strings.Join(args, " "))
			c.Legacy = legacy
			switch {
			case pty:
				c.PTY = true
			case noPTY:
			default:
				c.PTY = len(args) == 0 && isTerminal(os.Stdin)
			}
			return runCmd(cmd, c)
		},
	}
	cmd.Flags().BoolVarP(&pty, "tty", "t", false, "allocate a PTY")
	cmd.Flags().BoolVarP(&noPTY, "no-tty", "T", false, "don't allocate a PTY")
	cmd.Flags().BoolVarP(&legacy, "legacy", "x", false, "don't use shell protocol v2 even if supported")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newExecCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec command [arg...]",
		Short: "Run a command without a shell or PTY",
		Long:  "exec runs a command with the arguments quoted as-is, with binary-safe stdin and stdout.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := g.device(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			return runCmd(cmd, adbexec.CommandContext(cmd.Context(), dev, args[0], args[1:]...))
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

// runCmd runs c attached to stdio, returning an [exitCodeError] if it exits
// unsuccessfully.
func runCmd(cmd *cobra.Command, c *adbexec.Cmd) error {
	c.Stdin = cmd.InOrStdin()
	c.Stdout = cmd.OutOrStdout()
	c.Stderr = cmd.ErrOrStderr()

	if c.PTY && isTerminal(os.Stdin) {
		c.Term = os.Getenv("TERM")
		restore, err := makeRaw(os.Stdin)
		if err != nil {
			return err
		}
		defer restore()
	}
	if err := c.Start(); err != nil {
		return err
	}
	if c.PTY && isTerminal(os.Stdin) {
		stop := watchWinsize(os.Stdin, c.Process.Resize)
		defer stop()
	}
	c.Wait()
	if !c.ProcessState.Success() {
		if c.ProcessState.Exited() {
			return exitCodeError(c.ProcessState.ExitCode())
		}
		return &adbexec.ExitError{ProcessState: c.ProcessState}
	}
	return nil
}
