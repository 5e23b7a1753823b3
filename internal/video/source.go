package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrSourceUnavailable means the capture handle could not be opened at
	// all, as opposed to a transient read failure on a live stream.
	ErrSourceUnavailable = errors.New("video source unavailable")

	// ErrStreamEnded is returned by NextFrame when the producer exits on a
	// live (non-looping) source.
	ErrStreamEnded = errors.New("video stream ended")
)

const (
	captureWidth  = 1280
	captureHeight = 720
	openTimeout   = 10 * time.Second
)

var videoExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".webm": true, ".flv": true,
}

type sourceKind int

const (
	kindDevice sourceKind = iota
	kindFile
	kindURL
)

// resolveSource interprets the camera's resource string: an integer device
// index, an existing local video file, or a network URL.
func resolveSource(resource string) (sourceKind, string) {
	if idx, err := strconv.Atoi(strings.TrimSpace(resource)); err == nil {
		return kindDevice, fmt.Sprintf("/dev/video%d", idx)
	}
	if videoExtensions[strings.ToLower(filepath.Ext(resource))] {
		if _, err := os.Stat(resource); err == nil {
			return kindFile, resource
		}
	}
	return kindURL, resource
}

// Source reads decoded-side JPEG frames from an ffmpeg child process that
// transcodes the camera input to MJPEG on stdout. Finite files loop
// indefinitely via -stream_loop.
type Source struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	scanner *frameScanner
	kind    sourceKind
	target  string

	// pending holds the frame read to verify the open; it is handed to
	// the first NextFrame call so paced inputs lose nothing.
	pending []byte
}

// Open spawns the capture process for the camera resource. A process that
// dies before producing its first frame maps to ErrSourceUnavailable.
func Open(ctx context.Context, resource string) (*Source, error) {
	kind, target := resolveSource(resource)

	args := []string{"-hide_banner", "-loglevel", "error"}
	switch kind {
	case kindDevice:
		args = append(args,
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", captureWidth, captureHeight),
			"-i", target,
		)
	case kindFile:
		args = append(args,
			"-re", // pace file reads at native rate
			"-stream_loop", "-1",
			"-i", target,
		)
	case kindURL:
		if strings.HasPrefix(target, "rtsp://") {
			args = append(args, "-rtsp_transport", "tcp")
		}
		args = append(args, "-i", target)
	}
	args = append(args,
		"-f", "mjpeg",
		"-q:v", "2",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", captureWidth, captureHeight),
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg start: %v", ErrSourceUnavailable, err)
	}

	s := &Source{
		cmd:     cmd,
		stdout:  stdout,
		scanner: newFrameScanner(stdout),
		kind:    kind,
		target:  target,
	}

	// The open succeeds only once the producer yields a first frame.
	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	type firstRead struct {
		frame []byte
		err   error
	}
	first := make(chan firstRead, 1)
	go func() {
		frame, err := s.scanner.next()
		first <- firstRead{frame, err}
	}()

	select {
	case res := <-first:
		if res.err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: %s: %v (stderr: %s)",
				ErrSourceUnavailable, target, res.err, strings.TrimSpace(stderr.String()))
		}
		s.pending = res.frame
	case <-openCtx.Done():
		s.Close()
		return nil, fmt.Errorf("%w: %s: open timed out", ErrSourceUnavailable, target)
	}

	log.Printf("[Video] opened source %s (%s)", target, kindName(s.kind))
	return s, nil
}

func kindName(k sourceKind) string {
	switch k {
	case kindDevice:
		return "device"
	case kindFile:
		return "file loop"
	}
	return "url"
}

// NextFrame returns the next JPEG frame. Looping files never report EOF;
// live sources return ErrStreamEnded when the producer exits.
func (s *Source) NextFrame() ([]byte, error) {
	if s.pending != nil {
		frame := s.pending
		s.pending = nil
		return frame, nil
	}
	frame, err := s.scanner.next()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrStreamEnded
		}
		return nil, fmt.Errorf("read frame from %s: %w", s.target, err)
	}
	return frame, nil
}

// Close terminates the capture process and releases the handle. Safe to
// call more than once.
func (s *Source) Close() {
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		// Kill the whole process group; ffmpeg forks on some inputs.
		syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
		s.cmd.Wait()
		s.cmd = nil
	}
}

// frameScanner splits an MJPEG byte stream into individual JPEG frames by
// scanning for SOI (FFD8) and EOI (FFD9) markers.
type frameScanner struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

func newFrameScanner(r io.Reader) *frameScanner {
	return &frameScanner{r: bufio.NewReaderSize(r, 1<<20)}
}

func (f *frameScanner) next() ([]byte, error) {
	// Seek SOI.
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xFF {
			continue
		}
		b2, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b2 == 0xD8 {
			break
		}
	}

	f.buf.Reset()
	f.buf.Write([]byte{0xFF, 0xD8})

	// Copy until EOI.
	prev := byte(0)
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		f.buf.WriteByte(b)
		if prev == 0xFF && b == 0xD9 {
			out := make([]byte, f.buf.Len())
			copy(out, f.buf.Bytes())
			return out, nil
		}
		prev = b
	}
}
