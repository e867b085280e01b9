// Package audio captures voice notes for the composer.
//
// A Recorder is single-use: Start begins capturing, Stop ends it and returns
// every byte captured in between. A stopped recorder cannot be restarted.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

var (
	ErrAlreadyStarted = errors.New("audio: recorder already started")
	ErrNotStarted     = errors.New("audio: recorder not started")
	ErrStopped        = errors.New("audio: recorder already stopped")
)

// Recorder is a start/stop capture control.
type Recorder interface {
	Start() error
	Stop() ([]byte, error)
}

type state int

const (
	idle state = iota
	recording
	stopped
)

// StreamRecorder captures from a reader. The reader must either reach EOF or
// implement io.Closer so Stop can interrupt it.
type StreamRecorder struct {
	src io.Reader

	mu      sync.Mutex
	state   state
	buf     bytes.Buffer
	done    chan struct{}
	readErr error
}

// NewStreamRecorder returns a recorder reading from src once started.
func NewStreamRecorder(src io.Reader) *StreamRecorder {
	return &StreamRecorder{src: src}
}

// Start begins copying from the source.
func (r *StreamRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case recording:
		return ErrAlreadyStarted
	case stopped:
		return ErrStopped
	}
	r.state = recording
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		_, err := io.Copy(&r.buf, r.src)
		if err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
			r.readErr = err
		}
	}()
	return nil
}

// Stop ends the capture and returns the captured bytes.
func (r *StreamRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	switch r.state {
	case idle:
		r.mu.Unlock()
		return nil, ErrNotStarted
	case stopped:
		r.mu.Unlock()
		return nil, ErrStopped
	}
	r.state = stopped
	r.mu.Unlock()

	if closer, ok := r.src.(io.Closer); ok {
		closer.Close()
	}
	<-r.done

	if r.readErr != nil {
		return nil, fmt.Errorf("audio: capture failed: %w", r.readErr)
	}
	return r.buf.Bytes(), nil
}

// CommandRecorder captures the stdout of an external capture program, such
// as "arecord -f cd -t wav". Stop interrupts the program and collects its output.
type CommandRecorder struct {
	name string
	args []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stream *StreamRecorder
	state  state
}

// NewCommandRecorder returns a recorder that runs name with args on Start.
func NewCommandRecorder(name string, args ...string) *CommandRecorder {
	return &CommandRecorder{name: name, args: args}
}

// Start launches the capture program.
func (r *CommandRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case recording:
		return ErrAlreadyStarted
	case stopped:
		return ErrStopped
	}

	cmd := exec.Command(r.name, r.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("audio: failed to open capture output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("audio: failed to start %s: %w", r.name, err)
	}

	// The pipe reaches EOF when the program exits.
	r.stream = NewStreamRecorder(stdout)
	r.stream.Start()
	r.cmd = cmd
	r.state = recording
	return nil
}

// Stop interrupts the capture program and returns everything it wrote.
func (r *CommandRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case idle:
		return nil, ErrNotStarted
	case stopped:
		return nil, ErrStopped
	}
	r.state = stopped

	if err := r.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.cmd.Process.Kill()
	}
	<-r.stream.done
	// Interrupted capture programs exit non-zero; the captured bytes are still valid.
	r.cmd.Wait()

	r.stream.mu.Lock()
	r.stream.state = stopped
	r.stream.mu.Unlock()
	if r.stream.readErr != nil {
		return nil, fmt.Errorf("audio: capture failed: %w", r.stream.readErr)
	}
	return r.stream.buf.Bytes(), nil
}
