package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgaskin/go-adbmux/adb/adbkey"
)

func newKeygenCommand(g *globals) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen [file]",
		Short: "Generate an adb key pair",
		Long:  "keygen writes a new private key to file (default --key or the adb key path) and the public key to file.pub.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.key
			if len(args) != 0 {
				path = args[0]
			}
			if path == "" {
				var err error
				if path, err = adbkey.DefaultPath(); err != nil {
					return err
				}
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			key, err := adbkey.Generate(rand.Reader, adbkey.DefaultName())
			if err != nil {
				return err
			}
			if err := key.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", key.Fingerprint(), path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing key")
	return cmd
}
