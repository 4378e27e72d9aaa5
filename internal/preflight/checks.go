package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

const coordinatorCheckTimeout = 10 * time.Second

// CheckCoordinator makes one health call with a bounded timeout. A
// coordinator that answers with a non-ok status still passes, since the
// node can poll it; the status is shown in the detail.
func CheckCoordinator(ctx context.Context, client HealthChecker) Result {
	const name = "Coordinator"

	checkCtx, cancel := context.WithTimeout(ctx, coordinatorCheckTimeout)
	defer cancel()

	started := time.Now()
	status, err := client.Health(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: describeHealthError(err)}
	}
	detail := fmt.Sprintf("reachable in %s", time.Since(started).Round(time.Millisecond))
	if status.Status != "ok" {
		detail = fmt.Sprintf("%s (%s)", detail, status.Status)
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckDirectoryAccess verifies path is a directory the agent can read,
// write and traverse, and reports the free space on its filesystem.
func CheckDirectoryAccess(name, path string) Result {
	fail := func(format string, args ...any) Result {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %s)", path, fmt.Sprintf(format, args...))}
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fail("does not exist")
	case err != nil:
		return fail("stat: %v", err)
	case !info.IsDir():
		return fail("is not a directory")
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fail("insufficient permissions: %v", err)
	}

	detail := path + " (read/write ok)"
	if free, ok := freeBytes(path); ok {
		detail = fmt.Sprintf("%s (read/write ok, %s free)", path, humanize.IBytes(free))
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

func freeBytes(path string) (uint64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	return st.Bavail * uint64(st.Bsize), true
}

func describeHealthError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "health check timed out (coordinator unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "health check timed out (coordinator unreachable)"
	}
	return err.Error()
}
