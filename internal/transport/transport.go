// Package transport binds the two pre-opened descriptors the parent process
// hands the worker. Standard input, output and error are left alone so they
// stay usable for diagnostics.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

const (
	// InputFD carries requests from the parent
	InputFD = 3
	// OutputFD carries responses back to the parent
	OutputFD = 4

	bufferSize = 64 * 1024
)

// Channel is the worker's end of the duplex pipe.
type Channel struct {
	in  *os.File
	out *os.File
	r   *bufio.Reader
	w   *bufio.Writer
}

// Open binds InputFD and OutputFD.
func Open() (*Channel, error) {
	return OpenFDs(InputFD, OutputFD)
}

// OpenFDs binds arbitrary descriptors. Both must already be open.
func OpenFDs(in, out uintptr) (*Channel, error) {
	if in == out {
		return nil, fmt.Errorf("inbound and outbound descriptors must differ, both are %d", in)
	}
	inFile, err := bind(in, "detector-in")
	if err != nil {
		return nil, err
	}
	outFile, err := bind(out, "detector-out")
	if err != nil {
		// Only release what we wrapped ourselves
		inFile.Close()
		return nil, err
	}

	if isTerminal(inFile) || isTerminal(outFile) {
		slog.Warn("detector channel is a terminal; this process expects framed " +
			"image requests on descriptor 3 and writes results to descriptor 4, " +
			"and should be launched by a host process")
	}

	return &Channel{
		in:  inFile,
		out: outFile,
		r:   bufio.NewReaderSize(inFile, bufferSize),
		w:   bufio.NewWriterSize(outFile, bufferSize),
	}, nil
}

func bind(fd uintptr, name string) (*os.File, error) {
	f := os.NewFile(fd, name)
	if f == nil {
		return nil, fmt.Errorf("descriptor %d is not valid", fd)
	}
	if _, err := f.Stat(); err != nil {
		// Close now so the finalizer cannot close a later reuse of this number
		f.Close()
		return nil, fmt.Errorf("descriptor %d (%s) is not open: %w", fd, name, err)
	}
	return f, nil
}

// isTerminal reports whether f is connected to a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Reader returns the buffered inbound stream
func (c *Channel) Reader() io.Reader {
	return c.r
}

// Writer returns the buffered outbound stream. Callers flush after each
// message; frame.Write does this automatically.
func (c *Channel) Writer() *bufio.Writer {
	return c.w
}

// Close flushes anything pending and releases both descriptors.
func (c *Channel) Close() error {
	flushErr := c.w.Flush()
	return errors.Join(flushErr, c.in.Close(), c.out.Close())
}
