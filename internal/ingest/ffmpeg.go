// Package ingest turns a camera or stream into decoded kiosk frames using an
// FFmpeg MJPEG pipe.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxFrameBytes bounds a single JPEG read from the pipe.
const maxFrameBytes = 10 * 1024 * 1024

// FrameCallback is called for each extracted JPEG frame.
type FrameCallback func(frameData []byte) error

// Source describes what FFmpeg should open. Device is a V4L2 path, an
// avfoundation/dshow device name, an RTSP or HTTP URL, or a video file.
// InputFormat forces the demuxer (-f); empty picks one from Device.
type Source struct {
	Device      string
	InputFormat string
	FPS         int
	Width       int
}

// FFmpegExtractor extracts JPEG frames from a camera using FFmpeg.
type FFmpegExtractor struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	cmd    *exec.Cmd
	logger *slog.Logger
}

func NewFFmpegExtractor(logger *slog.Logger) *FFmpegExtractor {
	return &FFmpegExtractor{logger: logger.With("component", "ffmpeg")}
}

// inputArgs returns everything up to and including "-i <device>".
func inputArgs(src Source) []string {
	dev := src.Device
	var args []string

	switch {
	case strings.HasPrefix(dev, "rtsp://") || strings.HasPrefix(dev, "rtsps://"):
		args = append(args,
			"-rtsp_transport", "tcp",
			"-stimeout", "5000000", // microseconds
			"-timeout", "5000000",
		)
	case strings.HasPrefix(dev, "http://") || strings.HasPrefix(dev, "https://"):
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-timeout", "10000000",
		)
	case src.InputFormat != "":
		args = append(args, "-f", src.InputFormat)
		if src.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(src.FPS))
		}
	case strings.HasPrefix(dev, "/dev/video"):
		args = append(args, "-f", "v4l2")
		if src.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(src.FPS))
		}
	default:
		// Plain files are paced at their native rate so they behave like a camera.
		args = append(args, "-re")
	}
	return append(args, "-i", dev)
}

// Args builds the full FFmpeg command line for src.
func Args(src Source) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
	}
	args = append(args, inputArgs(src)...)

	filter := fmt.Sprintf("fps=%d", src.FPS)
	if src.Width > 0 {
		filter += fmt.Sprintf(",scale=%d:-2", src.Width)
	}
	return append(args,
		"-an",
		"-vf", filter,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)
}

// StartExtraction starts FFmpeg and calls callback for each JPEG frame. It
// blocks until the context is cancelled or the input ends.
func (f *FFmpegExtractor) StartExtraction(ctx context.Context, src Source, callback FrameCallback) error {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", Args(src)...)
	f.mu.Lock()
	f.cmd = cmd
	f.mu.Unlock()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			f.logger.Warn("ffmpeg stderr", "device", src.Device, "output", scanner.Text())
		}
	}()

	if err := readJPEGFrames(ctx, stdout, callback, f.logger); err != nil {
		_ = cmd.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read frames: %w", err)
	}

	return cmd.Wait()
}

// Stop terminates the FFmpeg process.
func (f *FFmpegExtractor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	if f.cmd != nil && f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
}

var errNoFrames = errors.New("no frames received from ffmpeg")

// readJPEGFrames reads a stream of concatenated JPEG images. An initial EOF
// is tolerated for up to 5 seconds while the device opens.
func readJPEGFrames(ctx context.Context, r io.Reader, callback FrameCallback, logger *slog.Logger) error {
	reader := bufio.NewReaderSize(r, 512*1024)
	framesRead := 0
	const maxStartupRetries = 50 // 50 * 100ms
	startupRetries := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := findJPEGStart(reader)
		if err != nil {
			if err == io.EOF {
				if framesRead == 0 && startupRetries < maxStartupRetries {
					startupRetries++
					time.Sleep(100 * time.Millisecond)
					continue
				}
				if framesRead > 0 {
					return nil
				}
				return fmt.Errorf("%w (waited %.1fs)", errNoFrames, float64(startupRetries)*0.1)
			}
			return err
		}

		frameData, err := readUntilJPEGEnd(reader)
		if err != nil {
			if err == io.EOF && framesRead > 0 {
				return nil
			}
			return err
		}

		framesRead++
		if err := callback(frameData); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("frame callback error", "error", err)
		}
	}
}

func findJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
	}
}

func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}

		if len(data) > maxFrameBytes {
			return nil, fmt.Errorf("jpeg frame too large: %s bytes", strconv.Itoa(len(data)))
		}
	}
}
