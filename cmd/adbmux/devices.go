package main

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pgaskin/go-adbmux/adb/adbhost"
	"github.com/pgaskin/go-adbmux/adblib"
	"github.com/pgaskin/go-adbmux/adblib/adbregistry"
)

func newDevicesCommand(g *globals) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "devices [-l]",
		Short: "List connected devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var recs []adbregistry.Record
			if g.connect != "" {
				c, err := g.dialDirect(ctx)
				if err != nil {
					return err
				}
				defer c.Close()
				recs = append(recs, adbregistry.RecordFromConn(g.serial, c))
			} else {
				ctx, cancel := context.WithTimeout(ctx, g.timeout)
				defer cancel()

				devs, err := adbhost.Devices(ctx, g.hostDialer(), long)
				if err != nil {
					return err
				}
				for _, info := range devs {
					recs = append(recs, adbregistry.RecordFromTransportInfo(info))
				}
			}
			return renderDevices(cmd.OutOrStdout(), recs, long)
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show device details")
	return cmd
}

func renderDevices(w io.Writer, recs []adbregistry.Record, long bool) error {
	data := pterm.TableData{{"SERIAL", "STATE"}}
	if long {
		data[0] = append(data[0], "TRANSPORT", "TYPE", "PRODUCT", "MODEL", "DEVICE")
	}
	for _, rec := range recs {
		row := []string{rec.Serial, rec.State.String()}
		if long {
			var tid string
			if rec.Transport != 0 {
				tid = strconv.FormatUint(uint64(rec.Transport), 10)
			}
			row = append(row, tid, cmp.Or(string(rec.Type), "-"), rec.Product, rec.Model, rec.Device)
		}
		data = append(data, row)
	}
	return pterm.DefaultTable.
		WithHasHeader().
		WithWriter(w).
		WithData(data).
		Render()
}

func newTrackCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "track",
		Short: "Print device changes until interrupted",
		Long:  "track prints device changes as they happen, reconnecting to the ADB server or device if the connection is lost.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			reg := adbregistry.New(ctx)
			defer reg.Close()

			done := make(chan struct{})
			sub := reg.Subscribe()
			go func() {
				defer close(done)
				for ev := range sub.Events() {
					printEvent(cmd.OutOrStdout(), ev)
				}
			}()

			var err error
			if g.connect != "" {
				err = g.trackDirect(ctx, reg)
			} else {
				err = g.trackHost(ctx, reg)
			}
			reg.Close()
			<-done
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

// trackHost follows the ADB server's device list, clearing it while
// disconnected from the server.
func (g *globals) trackHost(ctx context.Context, reg *adbregistry.Registry) error {
	dlr := g.hostDialer()
	return retry(ctx, exponentialBackOff(0), g.log, "track devices", func() error {
		if err := dlr.LoadFeatures(ctx); err != nil {
			return err
		}
		err := reg.Track(adbhost.TrackDevices(ctx, dlr, true))
		reg.Replace(nil)
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return err
	})
}

// trackDirect keeps a direct connection open, reconnecting once it fails.
func (g *globals) trackDirect(ctx context.Context, reg *adbregistry.Registry) error {
	for ctx.Err() == nil {
		c, err := g.dialDirectBackOff(ctx, exponentialBackOff(0))
		if err != nil {
			return err
		}
		addr := adblib.DeviceAddr(g.connect)
		reg.Attach(cmp.Or(g.serial, addr), c)
		select {
		case <-c.Done():
			g.log.Warn("device disconnected", "addr", addr, "error", c.Err())
		case <-ctx.Done():
			c.Close()
		}
	}
	return ctx.Err()
}

func printEvent(w io.Writer, ev adbregistry.Event) {
	rec := ev.Record
	switch ev.Type {
	case adbregistry.Added:
		fmt.Fprintln(w, pterm.FgGreen.Sprintf("+ %s\t%s", rec.Serial, rec.State))
	case adbregistry.Removed:
		fmt.Fprintln(w, pterm.FgRed.Sprintf("- %s\t%s", rec.Serial, rec.State))
	case adbregistry.Changed:
		if ev.Old.State != rec.State {
			fmt.Fprintln(w, pterm.FgYellow.Sprintf("~ %s\t%s -> %s", rec.Serial, ev.Old.State, rec.State))
		} else {
			fmt.Fprintln(w, pterm.FgYellow.Sprintf("~ %s\t%s", rec.Serial, rec.State))
		}
	}
}
