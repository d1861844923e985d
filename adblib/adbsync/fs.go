package adbsync

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"slices"
	"strings"
)

type fsImpl struct {
	ctx context.Context
	c   *Client
}

var (
	_ fs.FS          = (*fsImpl)(nil)
	_ fs.StatFS      = (*fsImpl)(nil)
	_ fs.ReadDirFS   = (*fsImpl)(nil)
	_ fs.ReadFileFS  = (*fsImpl)(nil)
	_ fs.File        = (*fsFileImpl)(nil)
	_ fs.ReadDirFile = (*fsFileImpl)(nil)
)

// FS implements [io/fs.FS] for an ADB device, rooted at "/". The context
// applies to every operation.
func FS(ctx context.Context, c *Client) fs.FS {
	return &fsImpl{ctx, c}
}

func (f *fsImpl) transform(op, name string) (string, error) {
	if name == "." {
		return "/", nil
	}
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	return "/" + name, nil
}

// fixPath makes the path in err match the one passed to the FS.
func fixPath(err error, name string) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		pe.Path = name
	}
	return err
}

func (f *fsImpl) Stat(name string) (fs.FileInfo, error) {
	p, err := f.transform("stat", name)
	if err != nil {
		return nil, err
	}
	fi, err := f.c.Stat(f.ctx, p)
	if err != nil {
		return nil, fixPath(err, name)
	}
	return fi, nil
}

func (f *fsImpl) ReadDir(name string) ([]fs.DirEntry, error) {
	p, err := f.transform("readdir", name)
	if err != nil {
		return nil, err
	}
	ents, err := f.c.ReadDir(f.ctx, p)
	if err != nil {
		return nil, fixPath(err, name)
	}
	de := make([]fs.DirEntry, len(ents))
	for i, e := range ents {
		de[i] = e
	}
	slices.SortFunc(de, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return de, nil
}

func (f *fsImpl) ReadFile(name string) ([]byte, error) {
	p, err := f.transform("open", name)
	if err != nil {
		return nil, err
	}
	b, err := f.c.ReadFile(f.ctx, p)
	if err != nil {
		return nil, fixPath(err, name)
	}
	return b, nil
}

type fsFileImpl struct {
	name string
	path string
	fs   *fsImpl
	fi   *FileInfo
	fr   io.ReadCloser
	de   []fs.DirEntry
}

func (f *fsImpl) Open(name string) (fs.File, error) {
	p, err := f.transform("open", name)
	if err != nil {
		return nil, err
	}
	// Open follows symlinks (see golang.org/issue/45470), which only works
	// with stat_v2. Without it, the file may be a symlink to a directory, so
	// ReadDir is allowed on symlinks too.
	fi, err := f.c.Stat(f.ctx, p)
	if err != nil {
		return nil, fixPath(err, name)
	}
	// the file is opened on the first read
	return &fsFileImpl{
		name: name,
		path: p,
		fs:   f,
		fi:   fi,
	}, nil
}

func (f *fsFileImpl) Stat() (fs.FileInfo, error) {
	return f.fi, nil
}

func (f *fsFileImpl) Read(p []byte) (int, error) {
	if f.fi.IsDir() {
		return 0, &fs.PathError{Op: "read", Path: f.name, Err: errors.New("is a directory")}
	}
	if f.fr == nil {
		fr, err := f.fs.c.Open(f.fs.ctx, f.path)
		if err != nil {
			return 0, fixPath(err, f.name)
		}
		f.fr = fr
	}
	n, err := f.fr.Read(p)
	if err != nil && err != io.EOF {
		err = fixPath(err, f.name)
	}
	return n, err
}

func (f *fsFileImpl) ReadDir(n int) ([]fs.DirEntry, error) {
	if f.fi.Mode()&(fs.ModeDir|fs.ModeSymlink) == 0 {
		return nil, &fs.PathError{Op: "readdir", Path: f.name, Err: errors.New("not a directory")}
	}
	if f.de == nil {
		de, err := f.fs.ReadDir(f.name)
		if err != nil {
			return nil, err
		}
		f.de = de
	}
	if n <= 0 {
		de := f.de
		f.de = f.de[len(f.de):]
		return de, nil
	}
	if len(f.de) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(f.de))
	de := f.de[:n]
	f.de = f.de[n:]
	return de, nil
}

func (f *fsFileImpl) Close() error {
	if f.fr == nil {
		return nil
	}
	return f.fr.Close()
}
