// Package derap converts binarized config entries into their text form by
// running an external converter.
package derap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTool is the converter looked up on PATH when none is configured.
const DefaultTool = "cfgconvert"

const (
	encodedExt = ".bin"
	decodedExt = ".cpp"
)

// Decoder turns an encoded config into text.
type Decoder interface {
	Decode(ctx context.Context, src io.Reader, dst io.Writer) error
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, src io.Reader, dst io.Writer) error

func (f DecoderFunc) Decode(ctx context.Context, src io.Reader, dst io.Writer) error {
	return f(ctx, src, dst)
}

// IsEncoded reports whether name is an entry that gets a decoded twin.
func IsEncoded(name string) bool {
	return strings.EqualFold(name, "config"+encodedExt)
}

// DerivedName returns the name of the decoded twin of an encoded name.
func DerivedName(name string) string {
	if !strings.EqualFold(filepath.Ext(name), encodedExt) {
		return name + decodedExt
	}
	return name[:len(name)-len(encodedExt)] + decodedExt
}

// ExecDecoder runs `<Tool> -txt -dst <out> <in>` on temporary files.
type ExecDecoder struct {
	Tool    string
	TempDir string
	Timeout time.Duration
}

// Find returns an ExecDecoder for the configured tool, or for DefaultTool on
// PATH when configured is empty. It returns false when no converter exists,
// which disables derived files.
func Find(configured string) (*ExecDecoder, bool) {
	if configured != "" {
		if info, err := os.Stat(configured); err == nil && !info.IsDir() {
			return &ExecDecoder{Tool: configured, Timeout: time.Minute}, true
		}
		return nil, false
	}
	path, err := exec.LookPath(DefaultTool)
	if err != nil {
		return nil, false
	}
	return &ExecDecoder{Tool: path, Timeout: time.Minute}, true
}

// Decode implements Decoder.
func (d *ExecDecoder) Decode(ctx context.Context, src io.Reader, dst io.Writer) error {
	dir, err := os.MkdirTemp(d.TempDir, "derap-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "config"+encodedExt)
	out := filepath.Join(dir, "config"+decodedExt)

	f, err := os.Create(in)
	if err != nil {
		return fmt.Errorf("create input: %w", err)
	}
	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write input: %w", err)
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.Tool, "-txt", "-dst", out, in)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(d.Tool), err, strings.TrimSpace(stderr.String()))
	}

	result, err := os.Open(out)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer result.Close()

	if _, err := io.Copy(dst, result); err != nil {
		return fmt.Errorf("read output: %w", err)
	}
	return nil
}
