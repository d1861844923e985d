package adbnet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"
)

// Forward accepts connections from ln and connects each one to address on the
// device until ctx is cancelled or ln fails. The listener is closed when
// Forward returns. Errors for individual connections are logged to logger if
// it is not nil.
func (d *Dialer) Forward(ctx context.Context, ln net.Listener, network, address string, logger *slog.Logger) error {
	if _, err := Service(network, address); err != nil {
		return err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		for {
			c, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				logger.Debug("forward: accepted", "remote", c.RemoteAddr(), "to", address)
				if err := d.forward(ctx, c, network, address); err != nil {
					logger.Warn("forward: connection failed", "remote", c.RemoteAddr(), "to", address, "error", err)
				}
				return nil
			})
		}
	})
	return g.Wait()
}

// forward copies between c and a new connection to address. Like adb, both
// are closed once either side closes.
func (d *Dialer) forward(ctx context.Context, c net.Conn, network, address string) error {
	defer c.Close()

	rc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return err
	}
	defer rc.Close()

	stop := context.AfterFunc(ctx, func() {
		c.Close()
		rc.Close()
	})
	defer stop()

	var g errgroup.Group
	for _, p := range [][2]net.Conn{{rc, c}, {c, rc}} {
		g.Go(func() error {
			_, err := io.Copy(p[0], p[1])
			c.Close()
			rc.Close()
			return err
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}
