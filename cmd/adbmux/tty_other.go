//go:build !linux

package main

import (
	"errors"
	"os"
)

func isTerminal(*os.File) bool {
	return false
}

func makeRaw(*os.File) (func(), error) {
	return nil, errors.ErrUnsupported
}

func watchWinsize(*os.File, func(row, col, xpixel, ypixel int) error) func() {
	return func() {}
}
