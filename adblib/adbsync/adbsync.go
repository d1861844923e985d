// Package adbsync implements a client for the sync service, which transfers
// files to and from the device.
//
// A [Conn] is a single sync stream. It runs one operation at a time, and
// returns to idle after each one. A [Client] opens and pools connections, and
// [FS] exposes a device as an [io/fs.FS].
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/client/file_sync_client.cpp;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/daemon/file_sync_service.cpp;drc=9c843a66d11d85e1f69e944f1b37314d3e47aab1
package adbsync

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
	"github.com/pgaskin/go-adbmux/adb/adbproto/syncproto"
	"github.com/pgaskin/go-adbmux/internal/bionic"
)

var debug *slog.Logger

func init() {
	if v, _ := strconv.ParseBool(os.Getenv("ADBSYNC_TRACE")); v {
		debug = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	} else {
		debug = slog.New(slog.DiscardHandler)
	}
}

// Trace enables debug logging to the specified logger.
func Trace(logger *slog.Logger) {
	debug = logger
}

// Errors which can be tested with [errors.Is].
var (
	// ErrSync is matched by errors from a FAIL response.
	ErrSync = syncproto.ErrSync

	// ErrUnreliable is returned by operations on a Conn after a transfer
	// failed part way through, since the device may have closed the stream or
	// may still be sending data.
	ErrUnreliable = errors.New("sync connection unreliable after failed transfer")

	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("sync connection closed")
)

// SyncError is an alias for [syncproto.SyncError].
type SyncError = syncproto.SyncError

// FileInfo describes a file on the device. It implements [fs.FileInfo] and
// [fs.DirEntry].
type FileInfo struct {
	name  string
	mode  uint32 // linux st_mode
	size  int64
	mtime time.Time

	// only set for stat_v2 and ls_v2
	ext *syncproto.Stat2
}

var (
	_ fs.FileInfo = (*FileInfo)(nil)
	_ fs.DirEntry = (*FileInfo)(nil)
)

func fileInfo1(name string, mode, size, mtime uint32) *FileInfo {
	return &FileInfo{
		name:  name,
		mode:  mode,
		size:  int64(size),
		mtime: time.Unix(int64(mtime), 0),
	}
}

func fileInfo2(name string, st syncproto.Stat2) *FileInfo {
	return &FileInfo{
		name:  name,
		mode:  st.Mode,
		size:  int64(st.Size),
		mtime: time.Unix(st.Mtime, 0),
		ext:   &st,
	}
}

func (fi *FileInfo) Name() string               { return fi.name }
func (fi *FileInfo) Size() int64                { return fi.size }
func (fi *FileInfo) Mode() fs.FileMode          { return fileMode(fi.mode) }
func (fi *FileInfo) ModTime() time.Time         { return fi.mtime }
func (fi *FileInfo) IsDir() bool                { return fi.Mode().IsDir() }
func (fi *FileInfo) Sys() any                   { return fi.ext }
func (fi *FileInfo) Type() fs.FileMode          { return fi.Mode().Type() }
func (fi *FileInfo) Info() (fs.FileInfo, error) { return fi, nil }
func (fi *FileInfo) String() string             { return fs.FormatFileInfo(fi) }

// RawMode returns the Linux st_mode.
func (fi *FileInfo) RawMode() uint32 {
	return fi.mode
}

// fileMode converts a Linux st_mode into an [fs.FileMode].
func fileMode(mode uint32) fs.FileMode {
	m := fs.FileMode(mode & 0o777)
	switch mode & bionic.S_IFMT {
	case bionic.S_IFBLK:
		m |= fs.ModeDevice
	case bionic.S_IFCHR:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case bionic.S_IFDIR:
		m |= fs.ModeDir
	case bionic.S_IFIFO:
		m |= fs.ModeNamedPipe
	case bionic.S_IFLNK:
		m |= fs.ModeSymlink
	case bionic.S_IFSOCK:
		m |= fs.ModeSocket
	}
	if mode&bionic.S_ISGID != 0 {
		m |= fs.ModeSetgid
	}
	if mode&bionic.S_ISUID != 0 {
		m |= fs.ModeSetuid
	}
	if mode&bionic.S_ISVTX != 0 {
		m |= fs.ModeSticky
	}
	return m
}

// rawMode converts permission bits from an [fs.FileMode] into a Linux st_mode
// for a regular file.
func rawMode(m fs.FileMode) uint32 {
	mode := uint32(m.Perm()) | bionic.S_IFREG
	if m&fs.ModeSetgid != 0 {
		mode |= bionic.S_ISGID
	}
	if m&fs.ModeSetuid != 0 {
		mode |= bionic.S_ISUID
	}
	if m&fs.ModeSticky != 0 {
		mode |= bionic.S_ISVTX
	}
	return mode
}

// pathError wraps err in an [fs.PathError] unless it is a connection error.
func pathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSync) {
		return &fs.PathError{Op: op, Path: name, Err: err}
	}
	var errno adbproto.Errno
	if errors.As(err, &errno) {
		return &fs.PathError{Op: op, Path: name, Err: err}
	}
	return err
}

// cleanPath cleans an absolute device path.
func cleanPath(name string) (string, error) {
	if name == "" || name[0] != '/' {
		return "", &fs.PathError{Op: "sync", Path: name, Err: fs.ErrInvalid}
	}
	return path.Clean(name), nil
}
