// Package esp writes rendered configuration and boot files to the EFI
// system partition. All writes go through a temp-file-and-rename so a
// crash leaves either the old or the new file, never a torn one.
package esp

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/nixos-tools/refind-builder/internal/menu"
	"github.com/nixos-tools/refind-builder/internal/platform"
)

const (
	// ConfPath is the live configuration file, relative to the ESP
	// root. Replacing it is the commit point of an install.
	ConfPath = "EFI/refind/refind.conf"
	// KernelsDir holds the per-generation kernel and initrd copies.
	KernelsDir = "EFI/refind/kernels"
	// FallbackDir is the firmware's default loader directory, used
	// for removable installs.
	FallbackDir = "EFI/BOOT"
)

// WriteFileAtomically writes data to filename via a temporary file in
// the same directory, fsyncs it and renames it into place.
func WriteFileAtomically(filename string, data []byte, mode os.FileMode) error {
	dir, name := filepath.Dir(filename), filepath.Base(filename)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpfile, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return err
	}

	_, err = tmpfile.Write(data)
	if err != nil {
		os.Remove(tmpfile.Name())
		return err
	}

	err = tmpfile.Chmod(mode)
	if err != nil {
		os.Remove(tmpfile.Name())
		return err
	}

	err = tmpfile.Sync()
	if err != nil {
		os.Remove(tmpfile.Name())
		return err
	}

	err = tmpfile.Close()
	if err != nil {
		os.Remove(tmpfile.Name())
		return err
	}

	err = os.Rename(tmpfile.Name(), filename)
	if err != nil {
		os.Remove(tmpfile.Name())
		return err
	}

	return nil
}

// CopyFileAtomically copies source to dest with the same
// temp-file-and-rename scheme, creating dest's directory if needed.
func CopyFileAtomically(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("cannot open %s: %v", source, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	tmpfile, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+"-*.tmp")
	if err != nil {
		return err
	}

	_, err = io.Copy(tmpfile, in)
	if err == nil {
		err = tmpfile.Sync()
	}
	if err == nil {
		err = tmpfile.Close()
	} else {
		tmpfile.Close()
	}
	if err == nil {
		err = os.Rename(tmpfile.Name(), dest)
	}
	if err != nil {
		os.Remove(tmpfile.Name())
		return fmt.Errorf("cannot copy %s to %s: %v", source, dest, err)
	}
	return nil
}

// SyncFilesystem flushes the filesystem backing the given mount point.
func SyncFilesystem(mountPoint string) error {
	f, err := os.Open(mountPoint)
	if err != nil {
		return fmt.Errorf("cannot open mount point %s: %v", mountPoint, err)
	}
	defer f.Close()

	if err := unix.Syncfs(int(f.Fd())); err != nil {
		return fmt.Errorf("cannot sync filesystem at %s: %v", mountPoint, err)
	}
	return nil
}

// CheckWritable verifies that the ESP root exists and is writable.
func CheckWritable(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	if err := unix.Access(root, unix.W_OK); err != nil {
		return fmt.Errorf("%s is not writable: %v", root, err)
	}
	return nil
}

// FileTracker is a mark-and-sweep set over the files below a directory.
// Files present at construction time and never marked used are removed
// by Sweep.
type FileTracker struct {
	files map[string]bool
}

func NewFileTracker(dir string) (*FileTracker, error) {
	files := make(map[string]bool)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files[path] = false
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot scan %s: %v", dir, err)
	}

	return &FileTracker{files: files}, nil
}

func (t *FileTracker) MarkUsed(path string) {
	t.files[path] = true
}

// Sweep removes every unmarked file. Removal failures do not stop the
// sweep; they are collected and returned.
func (t *FileTracker) Sweep() []error {
	paths := make([]string, 0, len(t.files))
	for path := range t.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var errs []error
	for _, path := range paths {
		if t.files[path] {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("cannot remove stale file %s: %v", path, err))
		}
	}
	return errs
}

// Installer stages files onto the ESP and publishes a rendered menu.
type Installer struct {
	// Root is the ESP mount point.
	Root string
}

// Install copies every file the menu references and every additional
// file onto the partition, then atomically replaces the live
// configuration. The configuration swap is strictly last; any earlier
// failure leaves the live configuration untouched. Referenced files are
// marked in the tracker so a later sweep spares them.
func (inst *Installer) Install(m *menu.RenderedMenu, additionalFiles map[string]string, tracker *FileTracker) error {
	// Kernel and initrd copies are content addressed by their store
	// name, so an existing destination is already correct.
	for _, dest := range sortedKeys(m.Files) {
		source, err := filepath.EvalSymlinks(m.Files[dest])
		if err != nil {
			return fmt.Errorf("cannot resolve %s: %v", m.Files[dest], err)
		}
		target := filepath.Join(inst.Root, dest)
		if _, err := os.Stat(target); os.IsNotExist(err) {
			if err := CopyFileAtomically(source, target); err != nil {
				return err
			}
		}
		if tracker != nil {
			tracker.MarkUsed(target)
		}
	}

	// Additional files may change content under a fixed name, so they
	// are always rewritten.
	for _, dest := range sortedKeys(additionalFiles) {
		if err := CopyFileAtomically(additionalFiles[dest], filepath.Join(inst.Root, dest)); err != nil {
			return err
		}
	}

	if err := WriteFileAtomically(filepath.Join(inst.Root, ConfPath), []byte(m.Text), 0644); err != nil {
		return fmt.Errorf("cannot publish configuration: %v", err)
	}

	return SyncFilesystem(inst.Root)
}

// InstallFallbackLoader copies the loader binary to the firmware's
// default fallback path, EFI/BOOT/BOOTxxx.EFI, for removable installs.
func (inst *Installer) InstallFallbackLoader(refindPath string, arch platform.Arch) error {
	source := filepath.Join(refindPath, "share/refind", arch.LoaderFileName())
	dest := filepath.Join(inst.Root, FallbackDir, arch.BootFileName())
	return CopyFileAtomically(source, dest)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
