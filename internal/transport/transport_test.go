package transport

import (
	"bytes"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/andresmejia3/detector/internal/frame"
)

// dup hands the Channel its own copy of f's descriptor, the way a child
// process inherits one, and closes the original.
func dup(t *testing.T, f *os.File) uintptr {
	t.Helper()
	fd, err := syscall.Dup(int(f.Fd()))
	if err != nil {
		t.Fatalf("dup failed: %v", err)
	}
	f.Close()
	return uintptr(fd)
}

func TestOpenFDsRoundTrip(t *testing.T) {
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer outR.Close()

	ch, err := OpenFDs(dup(t, inR), dup(t, outW))
	if err != nil {
		t.Fatalf("OpenFDs failed: %v", err)
	}

	// Host -> worker
	want := &frame.Frame{ID: frame.CorrelationID{1, 2, 3}, Payload: []byte("image bytes")}
	go func() {
		frame.Write(inW, want)
		inW.Close()
	}()

	got, err := frame.Read(ch.Reader())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("got %s/%q", got.ID, got.Payload)
	}
	if _, err := frame.Read(ch.Reader()); err != io.EOF {
		t.Errorf("expected io.EOF once the host closes, got %v", err)
	}

	// Worker -> host; the buffered writer must be flushed by frame.Write
	if err := frame.Write(ch.Writer(), &frame.Frame{ID: want.ID, Payload: []byte("{}")}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	resp, err := frame.Read(outR)
	if err != nil {
		t.Fatalf("host Read failed: %v", err)
	}
	if string(resp.Payload) != "{}" {
		t.Errorf("host got %q", resp.Payload)
	}

	if err := ch.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	// With the worker's end closed the host sees end of stream
	if _, err := frame.Read(outR); err != io.EOF {
		t.Errorf("expected io.EOF after Close, got %v", err)
	}
}

func TestOpenFDsSameDescriptor(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if _, err := OpenFDs(r.Fd(), r.Fd()); err == nil {
		t.Fatal("expected error when both channels share a descriptor")
	}
}

func TestOpenFDsClosedDescriptor(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	in := dup(t, r)

	// Grab a descriptor number and close it so it is no longer valid
	f, err := os.CreateTemp(t.TempDir(), "fd")
	if err != nil {
		t.Fatal(err)
	}
	closed := f.Fd()
	f.Close()

	if _, err := OpenFDs(in, closed); err == nil {
		t.Error("expected error for a closed outbound descriptor")
	}
}
