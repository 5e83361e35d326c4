package capture

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/printwatch/layercapture/internal/storage"
)

// Camera exposes the single capture operation. Implementations must
// honour the context so a cancelled session never hangs on a stuck
// camera backend.
type Camera interface {
	Capture(ctx context.Context, destPath string) error
}

// FakeCamera writes a deterministic placeholder instead of driving real
// hardware. Used in -dev mode and throughout the tests.
type FakeCamera struct {
	FS storage.FileSystem

	// now is swapped in tests
	Now func() time.Time
}

// NewFakeCamera creates a FakeCamera over the given filesystem.
func NewFakeCamera(fs storage.FileSystem) *FakeCamera {
	return &FakeCamera{FS: fs, Now: time.Now}
}

func (c *FakeCamera) Capture(ctx context.Context, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content := fmt.Sprintf("FAKE IMAGE %s captured at %s\n", destPath, c.Now().Format(time.RFC3339))
	return c.FS.WriteFile(destPath, []byte(content), 0o644)
}

// ScriptCamera shells out to an external capture command, substituting
// the destination path for any "{}" placeholder (or appending it when no
// placeholder is present). This is the glue to real camera backends such
// as fswebcam or libcamera-still.
type ScriptCamera struct {
	Command string
	Timeout time.Duration
}

func (c *ScriptCamera) Capture(ctx context.Context, destPath string) error {
	if c.Command == "" {
		return fmt.Errorf("no camera command configured")
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := strings.Fields(c.Command)
	substituted := false
	for i, a := range args {
		if strings.Contains(a, "{}") {
			args[i] = strings.ReplaceAll(a, "{}", destPath)
			substituted = true
		}
	}
	if !substituted {
		args = append(args, destPath)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("camera command failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
