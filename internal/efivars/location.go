package efivars

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sys/unix"
)

// Location identifies where the ESP lives: the whole-disk device and
// the partition number on it, the form efibootmgr wants.
type Location struct {
	Disk      string
	Partition string
}

// ESPLocation resolves the block device backing the given mount point
// and splits it into disk and partition number.
func ESPLocation(mountPoint string) (*Location, error) {
	device, err := findMountedDevice(mountPoint)
	if err != nil {
		return nil, err
	}

	resolved, err := filepath.EvalSymlinks(device)
	if err == nil {
		device = resolved
	}

	disk, partition, err := splitPartition(device)
	if err != nil {
		return nil, err
	}
	return &Location{Disk: disk, Partition: partition}, nil
}

// findMountedDevice walks up from path to the containing mount point
// and looks up its device in /proc/mounts.
func findMountedDevice(path string) (string, error) {
	current, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	for {
		mount, err := isMountPoint(current)
		if err != nil {
			return "", err
		}
		if mount {
			break
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", err
	}
	defer f.Close()

	device, ok := deviceForMountPoint(f, current)
	if !ok {
		return "", fmt.Errorf("cannot find device for mount point %s", current)
	}
	return device, nil
}

func deviceForMountPoint(mounts io.Reader, mountPoint string) (string, bool) {
	scanner := bufio.NewScanner(mounts)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == mountPoint {
			return fields[0], true
		}
	}
	return "", false
}

func isMountPoint(path string) (bool, error) {
	parent := filepath.Dir(path)
	if parent == path {
		return true, nil
	}

	var pathStat, parentStat unix.Stat_t
	if err := unix.Stat(path, &pathStat); err != nil {
		return false, fmt.Errorf("cannot stat %s: %v", path, err)
	}
	if err := unix.Stat(parent, &parentStat); err != nil {
		return false, fmt.Errorf("cannot stat %s: %v", parent, err)
	}

	return pathStat.Dev != parentStat.Dev, nil
}

var nvmePartitionRe = regexp.MustCompile(`^(/dev/nvme\d+n\d+)p(\d+)$`)
var diskPartitionRe = regexp.MustCompile(`^(/dev/[a-z]+)(\d+)$`)

// splitPartition splits a partition device into its whole-disk device
// and partition number, e.g. /dev/nvme0n1p2 into /dev/nvme0n1 and 2,
// /dev/sda1 into /dev/sda and 1.
func splitPartition(device string) (disk, partition string, err error) {
	if m := nvmePartitionRe.FindStringSubmatch(device); m != nil {
		return m[1], m[2], nil
	}
	if m := diskPartitionRe.FindStringSubmatch(device); m != nil {
		return m[1], m[2], nil
	}
	return "", "", fmt.Errorf("cannot determine disk for partition device %s", device)
}
