package engine

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/internal/botan/errdefs"
)

// checkIsolation verifies that the requested isolation level can be honored
// on this host.  Strict never downgrades: if its requirements are missing the
// container is rejected.
func (e *Engine) checkIsolation(level botspec.Isolation) error {
	switch level {
	case botspec.IsolationMinimal, botspec.IsolationStandard:
		return nil
	case botspec.IsolationStrict:
		if runtime.GOOS != "linux" {
			return errdefs.Validationf("strict isolation requires linux, running on %s", runtime.GOOS)
		}
		if os.Geteuid() != 0 {
			return errdefs.Validationf("strict isolation requires root to drop privileges, running as uid %d", os.Geteuid())
		}
		if _, err := user.Lookup(e.cfg.SandboxUser); err != nil {
			return errdefs.Validationf("strict isolation requires user %q: %v", e.cfg.SandboxUser, err)
		}
		return nil
	default:
		return errdefs.Validationf("unknown isolation level %q", level)
	}
}

// buildEnv returns the process environment for a container.  Minimal
// containers inherit the daemon environment; standard and strict get a fresh
// one pointing HOME and TMPDIR into the container rootfs.
func buildEnv(c *Container, rootfs string) []string {
	var env []string
	switch c.Isolation {
	case botspec.IsolationMinimal:
		env = os.Environ()
	default:
		env = []string{
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"HOME=" + filepath.Join(rootfs, "home"),
			"TMPDIR=" + filepath.Join(rootfs, "tmp"),
		}
	}
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// sandboxCredential resolves the strict-isolation user into a credential for
// SysProcAttr.  checkIsolation has already verified the user exists.
func sandboxCredential(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("lookup sandbox user %q: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("sandbox user %q has non-numeric uid %q", username, u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("sandbox user %q has non-numeric gid %q", username, u.Gid)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// prepareRootfs creates the container's writable directories.  For strict
// isolation the tree is handed to the sandbox user and closed to everyone
// else.
func (e *Engine) prepareRootfs(c *Container, rootfs string) error {
	perm := os.FileMode(0o755)
	if c.Isolation == botspec.IsolationStrict {
		perm = 0o700
	}
	dirs := []string{rootfs, filepath.Join(rootfs, "home"), filepath.Join(rootfs, "tmp")}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, perm); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		// MkdirAll keeps existing modes; force ours.
		if err := os.Chmod(dir, perm); err != nil {
			return fmt.Errorf("chmod %s: %w", dir, err)
		}
	}

	if c.Isolation == botspec.IsolationStrict {
		cred, err := sandboxCredential(e.cfg.SandboxUser)
		if err != nil {
			return err
		}
		for _, dir := range dirs {
			if err := os.Chown(dir, int(cred.Uid), int(cred.Gid)); err != nil {
				return fmt.Errorf("chown %s: %w", dir, err)
			}
		}
	}
	return nil
}
