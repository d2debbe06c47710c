package output

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrWriterClosed is returned when a finalized writer is flushed again.
var ErrWriterClosed = errors.New("writer already finalized")

// appendFile is the destination shared by every format. The file is created
// on the first flush; open and close hooks emit the format's preamble and
// trailer exactly once.
type appendFile struct {
	path     string
	f        *os.File
	bw       *bufio.Writer
	closed   bool
	finalize bool
}

func newAppendFile(path string) appendFile { return appendFile{path: path} }

func (a *appendFile) Path() string       { return a.path }
func (a *appendFile) SetFinalize(v bool) { a.finalize = v }
func (a *appendFile) Closed() bool       { return a.closed }

// write runs body against the destination, opening it first with open and
// closing it afterwards with close when finalize is set.
func (a *appendFile) write(open, body, close func(*bufio.Writer) error) error {
	if a.closed {
		return fmt.Errorf("%s: %w", a.path, ErrWriterClosed)
	}

	if a.f == nil {
		if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		f, err := os.OpenFile(a.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening %s: %w", a.path, err)
		}
		a.f, a.bw = f, bufio.NewWriter(f)
		if open != nil {
			if err := open(a.bw); err != nil {
				return fmt.Errorf("writing preamble to %s: %w", a.path, err)
			}
		}
	}

	if err := body(a.bw); err != nil {
		return fmt.Errorf("writing rows to %s: %w", a.path, err)
	}

	if !a.finalize {
		return a.bw.Flush()
	}

	if close != nil {
		if err := close(a.bw); err != nil {
			return fmt.Errorf("writing trailer to %s: %w", a.path, err)
		}
	}
	a.closed = true
	if err := a.bw.Flush(); err != nil {
		_ = a.f.Close()
		return err
	}
	return a.f.Close()
}
