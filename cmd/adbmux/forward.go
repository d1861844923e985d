package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pgaskin/go-adbmux/adblib/adbnet"
)

func newForwardCommand(g *globals) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "forward local remote",
		Short: "Forward local connections to the device until interrupted",
		Long: "forward listens on local and connects each accepted connection to remote on the device. " +
			"Both use adb socket specs: tcp:PORT, tcp:PORT:HOST (remote only), localabstract:NAME, or localfilesystem:PATH.",
		Example: "  adbmux forward tcp:8080 tcp:8080\n  adbmux forward tcp:9222 localabstract:chrome_devtools_remote",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lnet, laddr, err := parseSocketSpec(args[0], bind)
			if err != nil {
				return fmt.Errorf("local: %w", err)
			}
			rnet, raddr, err := parseSocketSpec(args[1], "localhost")
			if err != nil {
				return fmt.Errorf("remote: %w", err)
			}

			ctx := cmd.Context()
			dev, err := g.device(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			var lc net.ListenConfig
			ln, err := lc.Listen(ctx, lnet, laddr)
			if err != nil {
				return err
			}
			g.log.Info("forwarding", "local", ln.Addr(), "remote", args[1])

			err = (&adbnet.Dialer{Server: dev}).Forward(ctx, ln, rnet, raddr, g.log)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "127.0.0.1", "local `address` to listen on for tcp")
	return cmd
}

// parseSocketSpec converts an adb socket spec to a Go network and address.
// For tcp:PORT, host is used.
func parseSocketSpec(spec, host string) (network, address string, err error) {
	kind, rest, ok := strings.Cut(spec, ":")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("invalid socket spec %q", spec)
	}
	switch kind {
	case "tcp":
		port, h, _ := strings.Cut(rest, ":")
		if n, err := strconv.ParseUint(port, 10, 16); err != nil {
			return "", "", fmt.Errorf("invalid port in socket spec %q", spec)
		} else if n == 0 && host == "localhost" {
			return "", "", fmt.Errorf("remote port must not be zero")
		}
		if h == "" {
			h = host
		}
		return "tcp", net.JoinHostPort(h, port), nil
	case "localabstract":
		return "unix", "@" + rest, nil
	case "localfilesystem":
		return "unix", rest, nil
	}
	return "", "", fmt.Errorf("unsupported socket spec %q", spec)
}
