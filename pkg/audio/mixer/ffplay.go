package mixer

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// ErrOutputUnavailable is returned when the playback backend cannot start.
var ErrOutputUnavailable = errors.New("mixer: output device unavailable")

// FFplaySink plays s16le mono PCM written to it through an ffplay child
// process.
type FFplaySink struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewFFplaySink starts ffplay at the given sample rate. path may be empty to
// use "ffplay" from PATH.
func NewFFplaySink(path string, sampleRate int) (*FFplaySink, error) {
	if path == "" {
		path = "ffplay"
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: ffplay not found: %w", ErrOutputUnavailable, err)
	}

	cmd := exec.Command(bin, ffplayArgs(sampleRate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: open ffplay stdin: %w", ErrOutputUnavailable, err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffplay: %w", ErrOutputUnavailable, err)
	}
	return &FFplaySink{cmd: cmd, stdin: stdin}, nil
}

func ffplayArgs(sampleRate int) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	}
}

// Write sends PCM to ffplay.
func (s *FFplaySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return 0, fmt.Errorf("mixer: ffplay sink closed")
	}
	return s.stdin.Write(p)
}

// Close stops ffplay. Idempotent.
func (s *FFplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return nil
	}
	_ = s.stdin.Close()
	s.stdin = nil
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}
