package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// Compile-time interface assertion.
var _ Device = (*FFmpegDevice)(nil)

// FFmpegDevice captures the platform's default microphone through an ffmpeg
// child process writing s16le mono PCM to stdout.
type FFmpegDevice struct {
	// Path is the ffmpeg binary. Empty means "ffmpeg" from PATH.
	Path string

	// Input overrides the platform input device (e.g. "default", ":0",
	// "audio=Microphone"). Empty selects the platform default.
	Input string
}

// Open starts ffmpeg. A missing binary or unsupported platform wraps
// [ErrDeviceUnavailable].
func (d *FFmpegDevice) Open(ctx context.Context, sampleRate int) (io.ReadCloser, error) {
	bin := d.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %w", ErrDeviceUnavailable, err)
	}

	args, err := ffmpegArgs(runtime.GOOS, d.Input, sampleRate)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: open ffmpeg stdout: %w", ErrDeviceUnavailable, err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %w", ErrDeviceUnavailable, err)
	}
	return &ffmpegStream{cmd: cmd, stdout: stdout}, nil
}

// ffmpegArgs builds the capture command line for goos.
func ffmpegArgs(goos, input string, sampleRate int) ([]string, error) {
	var format, def string
	switch goos {
	case "linux":
		format, def = "pulse", "default"
	case "darwin":
		format, def = "avfoundation", ":0"
	case "windows":
		format = "dshow"
		if input == "" {
			return nil, fmt.Errorf("%w: windows capture needs an explicit input device", ErrDeviceUnavailable)
		}
	default:
		return nil, fmt.Errorf("%w: microphone capture is not implemented for %s", ErrDeviceUnavailable, goos)
	}
	if input == "" {
		input = def
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", input,
		"-ac", "1", "-ar", strconv.Itoa(sampleRate),
		"-f", "s16le", "-",
	}, nil
}

type ffmpegStream struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	closeOnce sync.Once
}

func (s *ffmpegStream) Read(p []byte) (int, error) { return s.stdout.Read(p) }

// Close kills the child and reaps it.
func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}
