package generation

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-tools/refind-builder/internal/bootspec"
)

func bootJSON(number uint64) string {
	return fmt.Sprintf(`{
	  "org.nixos.bootspec.v1": {
	    "system": "x86_64-linux",
	    "init": "/nix/store/gen%[1]d-system/init",
	    "kernel": "/nix/store/kernel%[1]d-linux-6.6/bzImage",
	    "kernelParams": ["loglevel=4"],
	    "label": "NixOS 24.05",
	    "toplevel": "/nix/store/gen%[1]d-system",
	    "initrd": "/nix/store/initrd%[1]d-initrd/initrd"
	  }
	}`, number)
}

// makeProfiles lays out a profiles directory with one toplevel directory
// per generation number, linked as system-<n>-link.
func makeProfiles(t *testing.T, numbers ...uint64) string {
	t.Helper()
	dir := t.TempDir()
	store := filepath.Join(dir, "store")
	for _, n := range numbers {
		toplevel := filepath.Join(store, fmt.Sprintf("gen%d-system", n))
		require.NoError(t, os.MkdirAll(toplevel, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(toplevel, "boot.json"), []byte(bootJSON(n)), 0644))
		require.NoError(t, os.Symlink(toplevel, filepath.Join(dir, fmt.Sprintf("system-%d-link", n))))
	}
	return dir
}

func TestDiscover(t *testing.T) {
	assert := assert.New(t)

	dir := makeProfiles(t, 5, 7, 6)
	generations, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, generations, 3)

	var numbers []uint64
	for _, g := range generations {
		numbers = append(numbers, g.Number)
	}
	if diff := cmp.Diff([]uint64{7, 6, 5}, numbers); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}

	assert.Equal("/nix/store/kernel7-linux-6.6/bzImage", generations[0].Spec.Kernel)
	assert.Equal("", generations[0].Profile)
	assert.Contains(generations[0].Path, "gen7-system")
}

func TestDiscoverSkipsBrokenGeneration(t *testing.T) {
	dir := makeProfiles(t, 5, 6)

	// Generation 7 has a profile link but no readable boot.json; the
	// config is the source of truth, so it must not resurface.
	toplevel := filepath.Join(dir, "store", "gen7-system")
	require.NoError(t, os.MkdirAll(toplevel, 0755))
	require.NoError(t, os.Symlink(toplevel, filepath.Join(dir, "system-7-link")))

	generations, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, generations, 2)
	assert.Equal(t, uint64(6), generations[0].Number)
}

func TestDiscoverNamedProfiles(t *testing.T) {
	dir := makeProfiles(t, 3)

	toplevel := filepath.Join(dir, "store", "gen9-system")
	require.NoError(t, os.MkdirAll(toplevel, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(toplevel, "boot.json"), []byte(bootJSON(9)), 0644))
	profiles := filepath.Join(dir, "system-profiles")
	require.NoError(t, os.MkdirAll(profiles, 0755))
	require.NoError(t, os.Symlink(toplevel, filepath.Join(profiles, "testing-9-link")))

	generations, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, generations, 2)
	assert.Equal(t, "testing", generations[0].Profile)
	assert.Equal(t, uint64(9), generations[0].Number)
}

func TestDiscoverMissingDir(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "nonexistent"))
	assert.Error(t, err)
}

func testGeneration(number uint64, path string) Generation {
	return Generation{
		Number:  number,
		Created: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(number) * time.Hour),
		Path:    path,
		Spec:    &bootspec.BootSpec{Label: "NixOS 24.05", Kernel: "/nix/store/k/bzImage", Init: path + "/init"},
	}
}

func TestMergeAddsInstallingOnce(t *testing.T) {
	assert := assert.New(t)

	existing := []Generation{testGeneration(7, "/nix/store/g7"), testGeneration(6, "/nix/store/g6")}
	installing := testGeneration(8, "/nix/store/g8")

	merged, dropped := Merge(existing, &installing)
	assert.Empty(dropped)
	require.Len(t, merged, 3)
	assert.Equal(uint64(8), merged[0].Number)

	// Merging again with the same instance must not duplicate it.
	merged, dropped = Merge(merged, &installing)
	assert.Empty(dropped)
	assert.Len(merged, 3)
}

func TestMergeDropsConflictingDuplicate(t *testing.T) {
	assert := assert.New(t)

	existing := []Generation{testGeneration(8, "/nix/store/stale-g8"), testGeneration(7, "/nix/store/g7")}
	installing := testGeneration(8, "/nix/store/g8")

	merged, dropped := Merge(existing, &installing)
	require.Len(t, dropped, 1)
	assert.Equal("/nix/store/stale-g8", dropped[0].Path)
	require.Len(t, merged, 2)
	assert.Equal("/nix/store/g8", merged[0].Path)
}

func TestPartition(t *testing.T) {
	assert := assert.New(t)

	generations := []Generation{
		testGeneration(8, "/nix/store/g8"),
		testGeneration(7, "/nix/store/g7"),
		testGeneration(6, "/nix/store/g6"),
		testGeneration(5, "/nix/store/g5"),
	}

	keep, prune := Partition(generations, 2)
	require.Len(t, keep, 2)
	require.Len(t, prune, 2)
	assert.Equal(uint64(8), keep[0].Number)
	assert.Equal(uint64(7), keep[1].Number)
	assert.Equal(uint64(6), prune[0].Number)
	assert.Equal(uint64(5), prune[1].Number)

	keep, prune = Partition(generations, 0)
	assert.Len(keep, 4)
	assert.Empty(prune)

	keep, prune = Partition(generations, 10)
	assert.Len(keep, 4)
	assert.Empty(prune)
}

func TestFindByToplevel(t *testing.T) {
	generations := []Generation{testGeneration(7, "/nix/store/g7")}
	assert.NotNil(t, FindByToplevel(generations, "/nix/store/g7"))
	assert.Nil(t, FindByToplevel(generations, "/nix/store/g9"))
}

func TestTitle(t *testing.T) {
	g := testGeneration(8, "/nix/store/g8")
	assert.Equal(t, "NixOS 24.05, Generation 8 (2026-08-01)", g.Title())

	g.Profile = "testing"
	assert.Equal(t, "NixOS 24.05, Generation 8 [testing] (2026-08-01)", g.Title())
}
