package main

import (
	"context"
	"flag"
	"fmt"
	"image/jpeg"
	"os"
	"time"

	"github.com/vzahanych/firewatch/internal/camera"
	"github.com/vzahanych/firewatch/internal/camera/webcam"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/video"
)

func main() {
	var (
		devicesDir = flag.String("dev", "/dev", "Directory holding video device nodes")
		deviceID   = flag.Int("device", -1, "OpenCV device id to grab from (default: first found)")
		input      = flag.String("input", "", "Grab through ffmpeg from this input instead (device path, RTSP URL or file)")
		out        = flag.String("out", "frame.jpg", "Where to write the grabbed frame")
	)
	flag.Parse()

	fmt.Println("=== Camera Test ===")
	fmt.Println()

	log, err := logger.New(logger.LogConfig{
		Level:  "info",
		Format: "text",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	discovery := camera.NewDiscoveryService(time.Minute, *devicesDir, log)
	devices := discovery.Refresh()

	fmt.Printf("Found %d video device(s)\n\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  [%d] %s  %s\n", d.Index, d.Path, d.Name)
	}
	fmt.Println()

	var src video.Source
	switch {
	case *input != "":
		ffmpeg, err := video.NewFFmpegWrapper(log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FFmpeg not available: %v\n", err)
			os.Exit(1)
		}
		if v, err := ffmpeg.GetVersion(); err == nil {
			fmt.Printf("Using %s\n", v)
		}
		src = video.NewFFmpegSource(ffmpeg, video.FFmpegSourceConfig{Input: *input}, log)
	case *deviceID >= 0:
		src = webcam.New(webcam.Config{DeviceID: *deviceID}, log)
	case len(devices) > 0:
		src = webcam.New(webcam.Config{DeviceID: devices[0].Index}, log)
	default:
		fmt.Println("No camera to test.")
		fmt.Println()
		fmt.Println("To check manually:")
		fmt.Println("  ls -l /dev/video*")
		fmt.Println("  v4l2-ctl --list-devices")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fmt.Printf("Opening %s...\n", src.Name())
	if err := src.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Camera unavailable: %v\n", err)
		os.Exit(1)
	}
	defer src.Close()

	for !src.State().Ready() {
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "Camera never became ready (state %s)\n", src.State())
			os.Exit(1)
		case <-time.After(50 * time.Millisecond):
		}
	}

	frame, err := src.Grab()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to grab frame: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create %s: %v\n", *out, err)
		os.Exit(1)
	}
	defer f.Close()
	if err := jpeg.Encode(f, frame.Image, &jpeg.Options{Quality: 90}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode frame: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Grabbed %dx%d frame, saved to %s\n", frame.Width, frame.Height, *out)
}
