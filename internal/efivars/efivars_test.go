package efivars

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-tools/refind-builder/internal/platform"
)

// fakeRunner records invocations and plays back a canned listing for
// the bare (no argument) call.
type fakeRunner struct {
	listing string
	calls   [][]string
}

func (r *fakeRunner) Run(args ...string) (string, error) {
	r.calls = append(r.calls, args)
	if len(args) == 0 {
		return r.listing, nil
	}
	return "", nil
}

var testLocation = &Location{Disk: "/dev/sda", Partition: "1"}

func TestReconcileCreatesMissingEntry(t *testing.T) {
	assert := assert.New(t)

	runner := &fakeRunner{listing: "BootCurrent: 0000\nBootOrder: 0000\nBoot0000* Windows Boot Manager\n"}
	require.NoError(t, Reconcile(runner, testLocation, platform.ARCH_X86_64))

	require.Len(t, runner.calls, 2)
	assert.Empty(runner.calls[0])
	assert.Equal([]string{"-c", "-d", "/dev/sda", "-p", "1", "-l", `\EFI\refind\BOOTX64.EFI`, "-L", "rEFInd"}, runner.calls[1])
}

func TestReconcileUpdatesExistingEntry(t *testing.T) {
	assert := assert.New(t)

	runner := &fakeRunner{listing: "BootCurrent: 0001\nBootOrder: 0001,0000\nBoot0000* Windows Boot Manager\nBoot0001* rEFInd\n"}
	require.NoError(t, Reconcile(runner, testLocation, platform.ARCH_X86_64))

	require.Len(t, runner.calls, 3)
	assert.Equal([]string{"-b", "0001", "-B"}, runner.calls[1])
	assert.Equal([]string{"-c", "-b", "0001", "-d", "/dev/sda", "-p", "1", "-l", `\EFI\refind\BOOTX64.EFI`, "-L", "rEFInd", "-o", "0001,0000"}, runner.calls[2])
}

func TestReconcileIdempotent(t *testing.T) {
	// After an update run, a second run against the same listing must
	// still end with a single entry: it updates in place rather than
	// appending.
	runner := &fakeRunner{listing: "BootOrder: 0001,0000\nBoot0001* rEFInd\n"}
	require.NoError(t, Reconcile(runner, testLocation, platform.ARCH_X86_64))
	require.NoError(t, Reconcile(runner, testLocation, platform.ARCH_X86_64))

	var creations int
	for _, call := range runner.calls {
		if len(call) > 0 && call[0] == "-c" && call[1] == "-b" {
			creations++
		}
	}
	// Both runs recreate the same Boot0001, never a second entry.
	assert.Equal(t, 2, creations)
}

func TestReconcileArchSelectsLoader(t *testing.T) {
	runner := &fakeRunner{listing: ""}
	require.NoError(t, Reconcile(runner, testLocation, platform.ARCH_AARCH64))

	joined := strings.Join(runner.calls[1], " ")
	assert.Contains(t, joined, `\EFI\refind\BOOTAA64.EFI`)
}

func TestSplitPartition(t *testing.T) {
	assert := assert.New(t)

	cases := map[string][2]string{
		"/dev/sda1":      {"/dev/sda", "1"},
		"/dev/vdb3":      {"/dev/vdb", "3"},
		"/dev/nvme0n1p2": {"/dev/nvme0n1", "2"},
	}
	for device, expected := range cases {
		disk, partition, err := splitPartition(device)
		require.NoError(t, err)
		assert.Equal(expected[0], disk)
		assert.Equal(expected[1], partition)
	}

	_, _, err := splitPartition("/dev/sda")
	assert.Error(err)
	_, _, err = splitPartition("/dev/mapper/root")
	assert.Error(err)
}

func TestDeviceForMountPoint(t *testing.T) {
	mounts := strings.NewReader(`/dev/nvme0n1p2 / ext4 rw,relatime 0 0
/dev/nvme0n1p1 /boot vfat rw,fmask=0022 0 0
tmpfs /run tmpfs rw 0 0
`)
	device, ok := deviceForMountPoint(mounts, "/boot")
	require.True(t, ok)
	assert.Equal(t, "/dev/nvme0n1p1", device)

	_, ok = deviceForMountPoint(strings.NewReader(""), "/boot")
	assert.False(t, ok)
}
