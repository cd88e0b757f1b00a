package frames

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// FFmpegDecoder shells out to ffmpeg, which writes the sampled frames as PNG
// files into a scratch directory.
type FFmpegDecoder struct {
	Binary  string
	TempDir string
}

// NewFFmpegDecoder uses binary, or "ffmpeg" from PATH when empty.
func NewFFmpegDecoder(binary, tempDir string) *FFmpegDecoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegDecoder{Binary: binary, TempDir: tempDir}
}

func (d *FFmpegDecoder) Decode(ctx context.Context, videoPath string, every int, emit func(img image.Image) error) error {
	if every < 1 {
		every = 1
	}
	dir, err := os.MkdirTemp(d.TempDir, "kyc-frames-*")
	if err != nil {
		return fmt.Errorf("create frame dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.Binary,
		"-nostdin", "-loglevel", "error",
		"-i", videoPath,
		"-vf", fmt.Sprintf(`select=not(mod(n\,%d))`, every),
		"-vsync", "vfr",
		filepath.Join(dir, "frame_%06d.png"),
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	files, err := filepath.Glob(filepath.Join(dir, "frame_*.png"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, name := range files {
		img, err := readPNG(name)
		if err != nil {
			return err
		}
		if err := emit(img); err != nil {
			return err
		}
	}
	return nil
}

func readPNG(name string) (image.Image, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	return img, nil
}
