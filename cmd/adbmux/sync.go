package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pgaskin/go-adbmux/adblib/adbsync"
)

// syncFlags are shared by the file transfer commands.
type syncFlags struct {
	compression string
	jobs        int
}

func (f *syncFlags) add(flags *pflag.FlagSet) {
	flags.StringVarP(&f.compression, "compression", "z", "any", "compression `method` (any, none, brotli, lz4, zstd)")
	flags.IntVarP(&f.jobs, "jobs", "j", 4, "number of files to transfer at once")
}

// syncClient opens a sync client for the selected device. The returned function
// closes it.
func (g *globals) syncClient(ctx context.Context, sf *syncFlags) (*adbsync.Client, func(), error) {
	var cc *adbsync.CompressionConfig
	if sf != nil {
		methods, err := adbsync.ParseCompressionMethod(sf.compression)
		if err != nil {
			return nil, nil, err
		}
		cc = &adbsync.CompressionConfig{Methods: methods}
	}
	dev, err := g.device(ctx)
	if err != nil {
		return nil, nil, err
	}
	c := &adbsync.Client{
		Server:            dev,
		ConnectTimeout:    g.timeout,
		MaxIdleConns:      max(sf.jobsOrZero(), adbsync.DefaultMaxIdleConns),
		CompressionConfig: cc,
	}
	return c, func() {
		c.CloseIdleConnections()
		dev.Close()
	}, nil
}

func (f *syncFlags) jobsOrZero() int {
	if f == nil {
		return 0
	}
	return f.jobs
}

func newPushCommand(g *globals) *cobra.Command {
	var sf syncFlags
	cmd := &cobra.Command{
		Use:   "push local... remote",
		Short: "Copy local files or directories to the device",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, closeClient, err := g.syncClient(ctx, &sf)
			if err != nil {
				return err
			}
			defer closeClient()

			locals, remote := args[:len(args)-1], args[len(args)-1]
			into := len(locals) > 1 || strings.HasSuffix(remote, "/")
			if !into {
				if fi, err := c.Stat(ctx, remote); err == nil && fi.IsDir() {
					into = true
				}
			}

			var files []adbsync.Transfer
			for _, local := range locals {
				dst := remote
				if into {
					dst = path.Join(remote, filepath.Base(local))
				}
				err := filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
					if err != nil {
						return err
					}
					if !d.Type().IsRegular() {
						return nil
					}
					rel, err := filepath.Rel(local, p)
					if err != nil {
						return err
					}
					files = append(files, adbsync.Transfer{
						Local:  p,
						Remote: path.Join(dst, filepath.ToSlash(rel)),
					})
					return nil
				})
				if err != nil {
					return err
				}
			}

			start := time.Now()
			if err := c.PushFiles(ctx, files, sf.jobs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d file(s) pushed in %s\n", len(files), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	sf.add(cmd.Flags())
	return cmd
}

func newPullCommand(g *globals) *cobra.Command {
	var sf syncFlags
	cmd := &cobra.Command{
		Use:   "pull remote... local",
		Short: "Copy files or directories from the device",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, closeClient, err := g.syncClient(ctx, &sf)
			if err != nil {
				return err
			}
			defer closeClient()

			remotes, local := args[:len(args)-1], args[len(args)-1]
			into := len(remotes) > 1 || strings.HasSuffix(local, string(filepath.Separator))
			if fi, err := os.Stat(local); err == nil && fi.IsDir() {
				into = true
			}

			var (
				fsys  = adbsync.FS(ctx, c)
				files []adbsync.Transfer
			)
			for _, remote := range remotes {
				dst := local
				if into {
					dst = filepath.Join(local, path.Base(remote))
				}
				root := strings.TrimPrefix(path.Clean("/"+remote), "/")
				if root == "" {
					root = "."
				}
				err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
					if err != nil {
						return err
					}
					rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
					if root == "." {
						rel = p
					}
					target := filepath.Join(dst, filepath.FromSlash(rel))
					switch {
					case d.IsDir():
						return os.MkdirAll(target, 0o777)
					case d.Type().IsRegular():
						files = append(files, adbsync.Transfer{
							Local:  target,
							Remote: "/" + p,
						})
					}
					return nil
				})
				if err != nil {
					return err
				}
			}

			start := time.Now()
			if err := c.PullFiles(ctx, files, sf.jobs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d file(s) pulled in %s\n", len(files), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	sf.add(cmd.Flags())
	return cmd
}

func newLsCommand(g *globals) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls [-l] remote",
		Short: "List a directory on the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, closeClient, err := g.syncClient(ctx, nil)
			if err != nil {
				return err
			}
			defer closeClient()

			ents, err := c.ReadDir(ctx, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, fi := range ents {
				if long {
					fmt.Fprintf(w, "%s %10d %s %s\n", fi.Mode(), fi.Size(), fi.ModTime().Format(time.DateTime), fi.Name())
				} else {
					fmt.Fprintln(w, fi.Name())
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show mode, size, and modification time")
	return cmd
}

func newStatCommand(g *globals) *cobra.Command {
	var nofollow bool
	cmd := &cobra.Command{
		Use:   "stat [--lstat] remote...",
		Short: "Show file information from the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, closeClient, err := g.syncClient(ctx, nil)
			if err != nil {
				return err
			}
			defer closeClient()

			stat := c.Stat
			if nofollow {
				stat = c.Lstat
			}
			w := cmd.OutOrStdout()
			for _, name := range args {
				fi, err := stat(ctx, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s: %s\n", name, fi)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&nofollow, "lstat", false, "don't follow symlinks")
	return cmd
}
