// Package intfile implements a random-access byte-stream view over a
// resizable 1-D byte dataset: the engine's "internal file" abstraction
// (spec.md §4.3), opened in r/w/a/rb/wb/ab modes with optional text encoding.
package intfile

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/paperrors"
	"github.com/active-papers/goactivepapers/internal/pathutil"
	"github.com/active-papers/goactivepapers/internal/plog"
	"github.com/active-papers/goactivepapers/internal/provenance"
)

// Mode is an internal-file open mode.
type Mode string

const (
	ModeRead       Mode = "r"
	ModeWrite      Mode = "w"
	ModeAppend     Mode = "a"
	ModeReadBytes  Mode = "rb"
	ModeWriteBytes Mode = "wb"
	ModeAppendBytes Mode = "ab"
)

func (m Mode) isBinary() bool {
	return m == ModeReadBytes || m == ModeWriteBytes || m == ModeAppendBytes
}

func (m Mode) isWriting() bool {
	return m == ModeWrite || m == ModeWriteBytes || m == ModeAppend || m == ModeAppendBytes
}

// StampCallback is invoked after every write (and once more on Close) with
// the current dependency-list attributes to attach to the underlying
// dataset. Codelet.DependencyAttributes has this shape.
type StampCallback func() (generatingCodelet string, dependencies []string)

// Owner reports whether the caller owns an existing path. Open consults it
// only when a write or append mode targets a path that already exists; a
// path that does not exist yet is created without asking.
type Owner interface {
	Owns(c *container.Adapter, absPath string) (bool, error)
}

// File is a random-access byte-stream handle.
type File struct {
	c        *container.Adapter
	path     string
	mode     Mode
	encoding string // "" (ASCII decode on read per spec.md §9) or "utf-8"
	pos      int64
	closed   bool
	callback StampCallback
}

// Open opens or creates the internal file at absPath. owner must permit the
// write modes; a "w" open on an existing item requires ownership.
func Open(c *container.Adapter, owner Owner, absPath string, mode Mode, encoding string, callback StampCallback) (*File, error) {
	timer := plog.StartTimer(plog.CategoryContainer, "intfile.Open")
	defer timer.Stop()

	if strings.HasPrefix(absPath, "/home") || strings.HasPrefix(absPath, "~") {
		return nil, fmt.Errorf("%w: refusing host path %q", paperrors.ErrPermissionDenied, absPath)
	}

	exists, err := c.Exists(absPath)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeWrite, ModeWriteBytes:
		if exists {
			ok, err := owner.Owns(c, absPath)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: %s is not owned by the running codelet", paperrors.ErrPermissionDenied, absPath)
			}
		} else {
			if err := createEmpty(c, absPath); err != nil {
				return nil, err
			}
		}
		if err := c.WriteBytes(absPath, []byte{}); err != nil {
			return nil, err
		}
	case ModeAppend, ModeAppendBytes:
		if !exists {
			if err := createEmpty(c, absPath); err != nil {
				return nil, err
			}
		} else {
			ok, err := owner.Owns(c, absPath)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: %s is not owned by the running codelet", paperrors.ErrPermissionDenied, absPath)
			}
		}
	case ModeRead, ModeReadBytes:
		if !exists {
			return nil, fmt.Errorf("%w: %s", paperrors.ErrMissingItem, absPath)
		}
	default:
		return nil, fmt.Errorf("intfile: unknown mode %q", mode)
	}

	f := &File{c: c, path: absPath, mode: mode, encoding: encoding, callback: callback}
	if mode == ModeAppend || mode == ModeAppendBytes {
		n, err := c.Len(absPath)
		if err != nil {
			return nil, err
		}
		f.pos = n
	}
	return f, nil
}

func createEmpty(c *container.Adapter, absPath string) error {
	section, _, err := pathutil.Split(absPath)
	if err != nil {
		return err
	}
	_ = section
	if err := c.CreateDataset(absPath); err != nil {
		return err
	}
	return provenance.Stamp(c, absPath, provenance.TagFile, provenance.Attrs{})
}

// Len returns the current length of the file in bytes.
func (f *File) Len() (int64, error) {
	return f.c.Len(f.path)
}

// Seek moves the read/write cursor, clamped to [0, length].
func (f *File) Seek(offset int64) error {
	n, err := f.c.Len(f.path)
	if err != nil {
		return err
	}
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	f.pos = offset
	return nil
}

// Tell returns the current cursor position.
func (f *File) Tell() int64 { return f.pos }

// Read reads up to len(buf) bytes starting at the cursor, advancing it.
func (f *File) Read(buf []byte) (int, error) {
	if f.closed {
		return 0, fmt.Errorf("intfile: read on closed file %s", f.path)
	}
	n, err := f.c.ReadAt(f.path, f.pos, buf)
	if err != nil {
		return 0, err
	}
	f.pos += int64(n)
	return n, nil
}

// ReadAll reads the remainder of the file from the cursor to the end.
func (f *File) ReadAll() ([]byte, error) {
	n, err := f.c.Len(f.path)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n-f.pos)
	read, err := f.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// ReadText reads the remainder of the file and decodes it as text, applying
// the file's encoding (UTF-8 only when explicitly requested; ASCII
// otherwise, per spec.md §9).
func (f *File) ReadText() (string, error) {
	raw, err := f.ReadAll()
	if err != nil {
		return "", err
	}
	return f.decode(raw)
}

func (f *File) decode(raw []byte) (string, error) {
	if f.encoding == "utf-8" || f.encoding == "utf8" {
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("intfile: invalid utf-8 in %s", f.path)
		}
		return string(raw), nil
	}
	for _, b := range raw {
		if b > 0x7F {
			return "", fmt.Errorf("intfile: non-ASCII byte in %s (declare encoding=\"utf-8\" to read it)", f.path)
		}
	}
	return string(raw), nil
}

func (f *File) encode(s string) ([]byte, error) {
	if f.encoding == "utf-8" || f.encoding == "utf8" {
		return []byte(s), nil
	}
	for _, r := range s {
		if r > 0x7F {
			return nil, fmt.Errorf("intfile: non-ASCII rune in write to %s (declare encoding=\"utf-8\" to write it)", f.path)
		}
	}
	return []byte(s), nil
}

// ReadLine scans forward from the cursor for the next 0x0A, using
// exponentially larger probe windows so average cost is logarithmic in line
// length. Returns io.EOF-equivalent via an empty string and ok=false when
// the cursor is already at end of file.
func (f *File) ReadLine() (line string, ok bool, err error) {
	n, err := f.c.Len(f.path)
	if err != nil {
		return "", false, err
	}
	if f.pos >= n {
		return "", false, nil
	}

	probe := int64(64)
	for {
		remaining := n - f.pos
		window := probe
		if window > remaining {
			window = remaining
		}
		buf := make([]byte, window)
		if _, err := f.c.ReadAt(f.path, f.pos, buf); err != nil {
			return "", false, err
		}
		if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
			lineBytes := buf[:idx]
			f.pos += int64(idx) + 1
			text, err := f.decode(lineBytes)
			if err != nil {
				return "", false, err
			}
			return text, true, nil
		}
		if window == remaining {
			// no newline before EOF: return the rest as the final line.
			text, err := f.decode(buf)
			if err != nil {
				return "", false, err
			}
			f.pos = n
			return text, true, nil
		}
		probe *= 2
	}
}

// Write writes data at the cursor, resizing the dataset if needed, and
// advances the cursor. A zero-length write is a no-op.
func (f *File) Write(data []byte) error {
	if f.closed {
		return fmt.Errorf("intfile: write on closed file %s", f.path)
	}
	if !f.mode.isWriting() {
		return fmt.Errorf("%w: %s was not opened for writing", paperrors.ErrPermissionDenied, f.path)
	}
	if len(data) == 0 {
		return nil
	}
	if err := f.c.WriteAt(f.path, f.pos, data); err != nil {
		return err
	}
	f.pos += int64(len(data))
	return f.restamp()
}

// WriteText encodes s per the file's encoding and writes it.
func (f *File) WriteText(s string) error {
	data, err := f.encode(s)
	if err != nil {
		return err
	}
	return f.Write(data)
}

// WriteLine writes s followed by a newline.
func (f *File) WriteLine(s string) error {
	return f.WriteText(s + "\n")
}

func (f *File) restamp() error {
	if f.callback == nil {
		return nil
	}
	generating, deps := f.callback()
	tag, hasTag, err := provenance.DatatypeTag(f.c, f.path)
	if err != nil {
		return err
	}
	if !hasTag {
		tag = provenance.TagFile
	}
	return provenance.Stamp(f.c, f.path, tag, provenance.Attrs{GeneratingCodelet: generating, Dependencies: deps})
}

// Close re-stamps the dataset once more (in write and append modes) and
// makes further Read and Write calls fail. Seek, Tell, Len and ReadLine do
// not check for a closed file.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.mode.isWriting() {
		return f.restamp()
	}
	return nil
}
