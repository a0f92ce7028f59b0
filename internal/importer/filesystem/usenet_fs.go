// Package filesystem exposes the files of a parsed NZB as a read-only
// fs.FS so the archive parsers can walk RAR and 7z headers straight off
// Usenet without downloading the archives.
package filesystem

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/spf13/afero"

	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/importer/parser"
)

var (
	_ fs.File     = (*UsenetFile)(nil)
	_ io.Seeker   = (*UsenetFile)(nil)
	_ io.ReaderAt = (*UsenetFile)(nil)
	_ fs.FS       = (*UsenetFileSystem)(nil)
)

// segmentSpan is one segment's decoded placement within a file.
type segmentSpan struct {
	id     string
	offset int64
	size   int64
}

// fileEntry is one NZB file addressable by name.
type fileEntry struct {
	name  string
	size  int64
	spans []segmentSpan
}

// UsenetFileSystem serves the files of one NZB by name.
type UsenetFileSystem struct {
	ctx    context.Context
	client parser.SegmentClient
	files  map[string]*fileEntry
	log    *slog.Logger
}

// NewUsenetFileSystem builds the filesystem over resolved NZB files.
// Segment placement within each file comes from the probed part geometry.
func NewUsenetFileSystem(ctx context.Context, client parser.SegmentClient, files []parser.ParsedFile) *UsenetFileSystem {
	m := make(map[string]*fileEntry, len(files))
	for i := range files {
		f := &files[i]
		entry := &fileEntry{name: f.Filename}

		for _, ref := range f.SegmentRefs() {
			entry.spans = append(entry.spans, segmentSpan{id: ref.MessageID, offset: ref.Offset, size: ref.Size})
			entry.size = ref.Offset + ref.Size
		}
		if f.Size > 0 {
			entry.size = f.Size
		}
		m[f.Filename] = entry
	}

	return &UsenetFileSystem{
		ctx:    ctx,
		client: client,
		files:  m,
		log:    slog.Default().With("component", "usenet-fs"),
	}
}

// Open opens a file by name.
func (ufs *UsenetFileSystem) Open(name string) (fs.File, error) {
	entry, ok := ufs.files[path.Clean(name)]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &UsenetFile{fs: ufs, entry: entry}, nil
}

// UsenetFile reads one NZB file's decoded content on demand.
type UsenetFile struct {
	fs    *UsenetFileSystem
	entry *fileEntry
	pos   int64
}

// Stat implements fs.File.
func (f *UsenetFile) Stat() (fs.FileInfo, error) {
	return fileInfo{name: path.Base(f.entry.name), size: f.entry.size}, nil
}

// Read reads sequentially from the current position.
func (f *UsenetFile) Read(b []byte) (int, error) {
	n, err := f.ReadAt(b, f.pos)
	f.pos += int64(n)
	return n, err
}

// ReadAt fetches the covering segments and copies out the requested slice.
// Archive header walks issue small scattered reads, so each call opens only
// the segments it touches.
func (f *UsenetFile) ReadAt(b []byte, off int64) (int, error) {
	if off >= f.entry.size {
		return 0, io.EOF
	}

	want := int64(len(b))
	if off+want > f.entry.size {
		want = f.entry.size - off
	}

	var n int64
	for _, span := range f.entry.spans {
		if n >= want {
			break
		}
		if span.offset+span.size <= off+n {
			continue
		}

		skip := off + n - span.offset
		_, body, err := f.fs.client.OpenSegment(f.fs.ctx, span.id)
		if err != nil {
			return int(n), err
		}
		if skip > 0 {
			if _, err := io.CopyN(io.Discard, body, skip); err != nil {
				_ = body.Close()
				return int(n), nzberrors.Wrap(nzberrors.KindProtocol, "segment shorter than declared", err)
			}
		}
		take := span.size - skip
		if take > want-n {
			take = want - n
		}
		read, err := io.ReadFull(body, b[n:n+take])
		_ = body.Close()
		n += int64(read)
		if err != nil && err != io.ErrUnexpectedEOF {
			return int(n), err
		}
		if int64(read) < take {
			return int(n), nzberrors.New(nzberrors.KindProtocol, "segment ended before declared size")
		}
	}

	if n < want {
		return int(n), io.ErrUnexpectedEOF
	}
	if n < int64(len(b)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// Seek implements io.Seeker.
func (f *UsenetFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = f.entry.size + offset
	}
	if f.pos < 0 {
		return 0, nzberrors.New(nzberrors.KindValidation, "negative seek position")
	}
	return f.pos, nil
}

// Close implements fs.File.
func (f *UsenetFile) Close() error { return nil }

type fileInfo struct {
	name string
	size int64
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return 0o444 }
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return false }
func (fi fileInfo) Sys() any           { return nil }

// AferoAdapter exposes the usenet filesystem through afero.Fs for the 7z
// parser. Every mutating operation fails.
type AferoAdapter struct {
	ufs *UsenetFileSystem
}

var _ afero.Fs = (*AferoAdapter)(nil)

// NewAferoAdapter wraps a UsenetFileSystem.
func NewAferoAdapter(ufs *UsenetFileSystem) afero.Fs {
	return &AferoAdapter{ufs: ufs}
}

// Open opens a file by name.
func (a *AferoAdapter) Open(name string) (afero.File, error) {
	file, err := a.ufs.Open(name)
	if err != nil {
		return nil, err
	}
	return &aferoFile{file: file.(*UsenetFile)}, nil
}

// OpenFile honors read-only access.
func (a *AferoAdapter) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_TRUNC) != 0 {
		return nil, nzberrors.New(nzberrors.KindValidation, "usenet filesystem is read-only")
	}
	return a.Open(name)
}

// Stat returns file metadata by name.
func (a *AferoAdapter) Stat(name string) (os.FileInfo, error) {
	file, err := a.ufs.Open(name)
	if err != nil {
		return nil, err
	}
	return file.(*UsenetFile).Stat()
}

// Name identifies the filesystem.
func (a *AferoAdapter) Name() string { return "usenet" }

func (a *AferoAdapter) Create(string) (afero.File, error)        { return nil, errReadOnly }
func (a *AferoAdapter) Mkdir(string, os.FileMode) error          { return errReadOnly }
func (a *AferoAdapter) MkdirAll(string, os.FileMode) error       { return errReadOnly }
func (a *AferoAdapter) Remove(string) error                      { return errReadOnly }
func (a *AferoAdapter) RemoveAll(string) error                   { return errReadOnly }
func (a *AferoAdapter) Rename(string, string) error              { return errReadOnly }
func (a *AferoAdapter) Chmod(string, os.FileMode) error          { return errReadOnly }
func (a *AferoAdapter) Chown(string, int, int) error             { return errReadOnly }
func (a *AferoAdapter) Chtimes(string, time.Time, time.Time) error { return errReadOnly }

// aferoFile adapts UsenetFile to afero.File.
type aferoFile struct {
	file *UsenetFile
}

func (f *aferoFile) Read(b []byte) (int, error)                   { return f.file.Read(b) }
func (f *aferoFile) ReadAt(b []byte, off int64) (int, error)      { return f.file.ReadAt(b, off) }
func (f *aferoFile) Seek(offset int64, whence int) (int64, error) { return f.file.Seek(offset, whence) }
func (f *aferoFile) Close() error                                 { return f.file.Close() }
func (f *aferoFile) Name() string                                 { return f.file.entry.name }
func (f *aferoFile) Stat() (os.FileInfo, error)                   { return f.file.Stat() }

func (f *aferoFile) Write([]byte) (int, error)              { return 0, errReadOnly }
func (f *aferoFile) WriteAt([]byte, int64) (int, error)     { return 0, errReadOnly }
func (f *aferoFile) WriteString(string) (int, error)        { return 0, errReadOnly }
func (f *aferoFile) Truncate(int64) error                   { return errReadOnly }
func (f *aferoFile) Sync() error                            { return nil }
func (f *aferoFile) Readdir(int) ([]os.FileInfo, error)     { return nil, errReadOnly }
func (f *aferoFile) Readdirnames(int) ([]string, error)     { return nil, errReadOnly }

var errReadOnly = nzberrors.New(nzberrors.KindValidation, "usenet filesystem is read-only")
