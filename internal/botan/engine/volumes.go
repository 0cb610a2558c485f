package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/internal/botan/errdefs"
)

// validateVolumes checks that every mount can be honored before any side
// effect happens: the host path must exist and be absolute, the container
// path must be absolute and unique.
func validateVolumes(mounts []botspec.VolumeMount) error {
	seen := make(map[string]struct{}, len(mounts))
	for i, m := range mounts {
		if !filepath.IsAbs(m.Host) {
			return errdefs.Validationf("volumes[%d]: host path %q must be absolute", i, m.Host)
		}
		if _, err := os.Stat(m.Host); err != nil {
			return errdefs.Validationf("volumes[%d]: host path %q: %v", i, m.Host, err)
		}
		if !filepath.IsAbs(m.Container) {
			return errdefs.Validationf("volumes[%d]: container path %q must be absolute", i, m.Container)
		}
		clean := filepath.Clean(m.Container)
		if clean == "/" {
			return errdefs.Validationf("volumes[%d]: container path must not be the rootfs itself", i)
		}
		if _, dup := seen[clean]; dup {
			return errdefs.Validationf("volumes[%d]: duplicate container path %q", i, clean)
		}
		seen[clean] = struct{}{}
	}
	return nil
}

// linkVolumes materializes the mounts inside the container rootfs as
// symlinks to the host paths.  The readOnly flag is recorded in the
// descriptor but not enforced; a symlink cannot express it.
func linkVolumes(rootfs string, mounts []botspec.VolumeMount) error {
	for _, m := range mounts {
		target := filepath.Join(rootfs, filepath.Clean(m.Container))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("volume %s: create parent: %w", m.Container, err)
		}
		// A leftover link from a previous episode is replaced, anything else
		// in the way is an error.
		if info, err := os.Lstat(target); err == nil {
			if info.Mode()&os.ModeSymlink == 0 {
				return fmt.Errorf("volume %s: target exists and is not a symlink", m.Container)
			}
			if err := os.Remove(target); err != nil {
				return fmt.Errorf("volume %s: replace old link: %w", m.Container, err)
			}
		}
		if err := os.Symlink(m.Host, target); err != nil {
			return fmt.Errorf("volume %s: link to %s: %w", m.Container, m.Host, err)
		}
	}
	return nil
}
