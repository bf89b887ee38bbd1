package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// display is an Xvfb server for headful tabs.
type display struct {
	name string
	cmd  *exec.Cmd
}

// startDisplay runs Xvfb on name and waits for its socket.
func startDisplay(ctx context.Context, name string, width, height int) (*display, error) {
	cmd := exec.Command("Xvfb", name, "-screen", "0", fmt.Sprintf("%dx%dx24", width, height), "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("browser: start xvfb %s: %w", name, err)
	}
	d := &display{name: name, cmd: cmd}

	sock := "/tmp/.X11-unix/X" + strings.TrimPrefix(name, ":")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			return d, nil
		}
		if time.Now().After(deadline) {
			d.stop()
			return nil, fmt.Errorf("browser: xvfb %s: socket %s not ready", name, sock)
		}
		select {
		case <-ctx.Done():
			d.stop()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (d *display) stop() {
	if d.cmd.Process == nil {
		return
	}
	d.cmd.Process.Kill()
	d.cmd.Wait()
}
