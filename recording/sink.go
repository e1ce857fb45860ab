package recording

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/google/shlex"
)

// Encoding selects how a session stores frames.
type Encoding string

const (
	// EncodingRaw appends every JPEG payload verbatim to a file (MJPEG).
	EncodingRaw Encoding = "raw"
	// EncodingPipe streams payloads into an external video encoder.
	EncodingPipe Encoding = "mp4"
)

// Extension returns the file extension for artifacts of this encoding.
func (e Encoding) Extension() string {
	if e == EncodingPipe {
		return ".mp4"
	}
	return ".mjpeg"
}

// ParseEncoding accepts the configuration names of the encodings.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "raw", "mjpeg":
		return EncodingRaw, nil
	case "mp4", "pipe":
		return EncodingPipe, nil
	default:
		return "", fmt.Errorf("unknown encoding %q", s)
	}
}

// Sink is one open recording artifact.
type Sink interface {
	WriteFrame(frame []byte) error
	Close() error
	Path() string
}

// RawSink writes payloads back to back into a file.
type RawSink struct {
	f    *os.File
	path string
}

// CreateRaw creates (or truncates) path.
func CreateRaw(path string) (*RawSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &RawSink{f: f, path: path}, nil
}

func (s *RawSink) WriteFrame(frame []byte) error {
	_, err := s.f.Write(frame)
	return err
}

// Write lets the pre-event ring drain straight into the file.
func (s *RawSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

func (s *RawSink) Close() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

func (s *RawSink) Path() string { return s.path }

// DefaultEncoderArgs are the output options given to the encoder.
const DefaultEncoderArgs = "-c:v libx264 -preset medium -crf 23 -pix_fmt yuv420p -movflags +faststart"

// PipeOptions configure the external encoder.
type PipeOptions struct {
	// Encoder is the executable, ffmpeg by default.
	Encoder string
	// OutputArgs is a shell-style option string placed between the input
	// and the output file.
	OutputArgs string
	// FPS is the input frame rate given to the encoder.
	FPS float64
}

// PipeSink feeds JPEG frames to an encoder process on its stdin.
type PipeSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	path   string

	once     sync.Once
	closeErr error
}

// StartPipe spawns the encoder writing to path.
func StartPipe(path string, opts PipeOptions) (*PipeSink, error) {
	encoder := opts.Encoder
	if encoder == "" {
		encoder = "ffmpeg"
	}
	outArgs := opts.OutputArgs
	if outArgs == "" {
		outArgs = DefaultEncoderArgs
	}
	extra, err := shlex.Split(outArgs)
	if err != nil {
		return nil, fmt.Errorf("parse encoder args %q: %w", outArgs, err)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "image2pipe",
		"-codec:v", "mjpeg",
		"-framerate", strconv.FormatFloat(opts.FPS, 'f', -1, 64),
		"-i", "-",
	}
	args = append(args, extra...)
	args = append(args, "-y", path)

	s := &PipeSink{path: path}
	s.cmd = exec.Command(encoder, args...)
	s.cmd.Stdout = io.Discard
	s.cmd.Stderr = &s.stderr

	s.stdin, err = s.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", encoder, err)
	}
	return s, nil
}

func (s *PipeSink) WriteFrame(frame []byte) error {
	if _, err := s.stdin.Write(frame); err != nil {
		return fmt.Errorf("write to encoder: %w", err)
	}
	return nil
}

// Close closes the encoder input and waits for it to finish. A non-zero exit
// status is returned as an error carrying the encoder's stderr.
func (s *PipeSink) Close() error {
	s.once.Do(func() {
		s.stdin.Close()
		if err := s.cmd.Wait(); err != nil {
			msg := strings.TrimSpace(s.stderr.String())
			if msg != "" {
				s.closeErr = fmt.Errorf("encoder for %s: %w: %s", s.path, err, msg)
			} else {
				s.closeErr = fmt.Errorf("encoder for %s: %w", s.path, err)
			}
		}
	})
	return s.closeErr
}

func (s *PipeSink) Path() string { return s.path }
