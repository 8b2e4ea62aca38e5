// Package efivars reconciles the firmware's NVRAM boot entries against
// the installed loader by driving the efibootmgr tool.
package efivars

import (
	"bytes"
	"fmt"
	"os/exec"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/nixos-tools/refind-builder/internal/platform"
)

// EntryLabel is the well-known description of the boot entry this tool
// owns. Reconciliation guarantees at most one entry with this label.
const EntryLabel = "rEFInd"

var entryRe = regexp.MustCompile(`Boot([0-9a-fA-F]{4})\*? ` + EntryLabel)
var bootOrderRe = regexp.MustCompile(`BootOrder: ((?:[0-9a-fA-F]{4},?)*)`)

// Runner invokes the boot manager tool. It exists so reconciliation can
// be exercised without firmware access.
type Runner interface {
	Run(args ...string) (string, error)
}

// ExecRunner runs a real efibootmgr binary.
type ExecRunner struct {
	// Path is the efibootmgr executable.
	Path string
}

func (r *ExecRunner) Run(args ...string) (string, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.Command(r.Path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %v failed: %v: %s", r.Path, args, err, stderr.String())
	}
	return stdout.String(), nil
}

// Reconcile ensures exactly one NVRAM entry with EntryLabel points at
// the loader for the given architecture on the given ESP. An existing
// entry is recreated under its old boot number with the boot order
// preserved; a new entry lands at the front of the boot order, which is
// where efibootmgr puts entries it creates.
func Reconcile(r Runner, loc *Location, arch platform.Arch) error {
	output, err := r.Run()
	if err != nil {
		return fmt.Errorf("cannot list boot entries: %v", err)
	}

	loaderPath := `\EFI\refind\` + arch.BootFileName()

	m := entryRe.FindStringSubmatch(output)
	if m == nil {
		logrus.Debugf("Creating NVRAM entry %q for %s", EntryLabel, loaderPath)
		_, err := r.Run("-c", "-d", loc.Disk, "-p", loc.Partition, "-l", loaderPath, "-L", EntryLabel)
		if err != nil {
			return fmt.Errorf("cannot create boot entry: %v", err)
		}
		return nil
	}

	entryID := m[1]
	bootOrder := ""
	if om := bootOrderRe.FindStringSubmatch(output); om != nil {
		bootOrder = om[1]
	}

	logrus.Debugf("Updating NVRAM entry Boot%s to %s", entryID, loaderPath)

	// efibootmgr cannot modify an entry in place; delete and recreate
	// under the same number, restoring the previous boot order so
	// unrelated entries keep their position.
	if _, err := r.Run("-b", entryID, "-B"); err != nil {
		return fmt.Errorf("cannot delete boot entry Boot%s: %v", entryID, err)
	}

	args := []string{"-c", "-b", entryID, "-d", loc.Disk, "-p", loc.Partition, "-l", loaderPath, "-L", EntryLabel}
	if bootOrder != "" {
		args = append(args, "-o", bootOrder)
	}
	if _, err := r.Run(args...); err != nil {
		return fmt.Errorf("cannot recreate boot entry Boot%s: %v", entryID, err)
	}

	return nil
}
