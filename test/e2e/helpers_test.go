package e2e

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// proc holds a running subprocess and its output.
type proc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	addr   string
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// binary returns the path of a freshly built command from ./cmd/<name>.
func binary(t *testing.T, name string) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "volley-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, cmdName := range []string{"volley", "testserver"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, cmdName), "./cmd/"+cmdName)
			cmd.Dir = root
			out, err := cmd.CombinedOutput()
			if err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", cmdName, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, name)
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

// start launches a long-running binary and waits until readyPath answers 200.
func start(t *testing.T, name string, env []string, readyPath string) *proc {
	t.Helper()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary(t, name), "serve")
	if name == "testserver" {
		cmd = exec.Command(binary(t, name))
	}
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	p := &proc{cmd: cmd, stdout: stdout}
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "VOLLEY_TARGET_ADDR="); ok {
			p.addr = v
		}
		if v, ok := strings.CutPrefix(kv, "VOLLEY_LISTEN_ADDR="); ok {
			p.addr = v
		}
	}

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + p.addr + readyPath)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return p
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("%s did not become ready within %v\nstdout:\n%s", name, startupTimeout, stdout.String())
	return nil
}

// startTarget launches the keep-alive test target.
func startTarget(t *testing.T) *proc {
	t.Helper()
	return start(t, "testserver", []string{"VOLLEY_TARGET_ADDR=" + freeAddr(t)}, "/")
}

// volley runs the CLI to completion and returns its combined output.
func volley(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binary(t, "volley"), args...)
	cmd.Env = append(os.Environ(), "VOLLEY_DB_PATH="+dbPath, "VOLLEY_LOG_LEVEL=warn")
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
