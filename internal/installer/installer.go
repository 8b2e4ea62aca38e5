// Package installer runs a full boot configuration install: discover
// generations, render the menu, publish it to the ESP, reconcile the
// firmware boot entry and prune generations past the retention limit.
package installer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/nixos-tools/refind-builder/internal/bootspec"
	"github.com/nixos-tools/refind-builder/internal/config"
	"github.com/nixos-tools/refind-builder/internal/efivars"
	"github.com/nixos-tools/refind-builder/internal/esp"
	"github.com/nixos-tools/refind-builder/internal/generation"
	"github.com/nixos-tools/refind-builder/internal/menu"
	"github.com/nixos-tools/refind-builder/internal/platform"
)

// DefaultProfilesDir is where the system's generation links live.
const DefaultProfilesDir = "/nix/var/nix/profiles"

type Installer struct {
	Config *config.InstallConfig

	// ProfilesDir overrides DefaultProfilesDir, for tests.
	ProfilesDir string
	// Firmware overrides the efibootmgr invocation, for tests. When
	// nil, the tool named by the config is executed.
	Firmware efivars.Runner
	// Locate overrides ESP block device discovery, for tests.
	Locate func(mountPoint string) (*efivars.Location, error)
	// Sync overrides the final filesystem flush, for tests.
	Sync func(mountPoint string) error
}

// Report collects the non-fatal issues of a run. A run with a non-nil
// Report and nil error left the partition with a valid configuration,
// whatever the issues say.
type Report struct {
	Kept   int
	Pruned int
	Issues []*Issue
}

func (r *Report) add(code IssueCode, format string, args ...interface{}) {
	issue := newIssue(code, format, args...)
	logrus.Warn(issue.Error())
	r.Issues = append(r.Issues, issue)
}

// Run installs the boot configuration. toplevel optionally names the
// store path of the system being installed; it is included in the
// generation set exactly once even when its profile link already
// exists.
func (inst *Installer) Run(toplevel string) (*Report, error) {
	cfg := inst.Config
	report := &Report{}

	arch, err := cfg.Arch()
	if err != nil {
		return nil, newIssue(UnsupportedArchitecture, "%v", err)
	}

	if err := esp.CheckWritable(cfg.EFIMountPoint); err != nil {
		return nil, newIssue(PartitionUnavailable, "%v", err)
	}

	profilesDir := inst.ProfilesDir
	if profilesDir == "" {
		profilesDir = DefaultProfilesDir
	}

	discovered, err := generation.Discover(profilesDir)
	if err != nil {
		return nil, err
	}

	installing, err := installingGeneration(discovered, toplevel)
	if err != nil {
		return nil, err
	}

	generations, dropped := generation.Merge(discovered, installing)
	for i := range dropped {
		report.add(DuplicateGeneration, "dropped %s, generation %d is provided by the system being installed", dropped[i].Path, dropped[i].Number)
	}
	if len(generations) == 0 {
		return nil, fmt.Errorf("no bootable generations found under %s", profilesDir)
	}

	keep, prune := generation.Partition(generations, cfg.MaxGenerations)
	report.Kept, report.Pruned = len(keep), len(prune)

	rendered, err := menu.Render(keep, cfg.LuksDevices, cfg.Timeout, cfg.ExtraConfig, arch)
	if err != nil {
		return nil, err
	}

	tracker, err := esp.NewFileTracker(filepath.Join(cfg.EFIMountPoint, esp.KernelsDir))
	if err != nil {
		return nil, newIssue(PartitionUnavailable, "%v", err)
	}

	espInstaller := &esp.Installer{Root: cfg.EFIMountPoint}

	// The fallback loader copy is additive, so it belongs to the
	// staging phase: it must be in place before the configuration
	// swap commits the install.
	if cfg.EFIRemovable {
		if err := espInstaller.InstallFallbackLoader(cfg.RefindPath, arch); err != nil {
			return nil, newIssue(InstallIncomplete, "%v", err)
		}
	}

	if err := espInstaller.Install(rendered, cfg.AdditionalFiles, tracker); err != nil {
		return nil, newIssue(InstallIncomplete, "%v", err)
	}
	logrus.Infof("Published boot menu with %d generations to %s", len(keep), cfg.EFIMountPoint)

	inst.reconcileFirmware(report, arch)

	if len(prune) > 0 {
		logrus.Infof("Pruning %d generations past the retention limit of %d", len(prune), cfg.MaxGenerations)
	}
	for _, err := range tracker.Sweep() {
		report.add(PruneFailed, "%v", err)
	}

	sync := inst.Sync
	if sync == nil {
		sync = esp.SyncFilesystem
	}
	if err := sync(cfg.EFIMountPoint); err != nil {
		report.add(FlushFailed, "cannot flush %s after pruning: %v", cfg.EFIMountPoint, err)
	}

	return report, nil
}

// reconcileFirmware registers the NVRAM entry when allowed. Failures
// are reported, never fatal: the partition already carries a valid
// configuration and some firmware rejects NVRAM writes outright.
func (inst *Installer) reconcileFirmware(report *Report, arch platform.Arch) {
	cfg := inst.Config
	if cfg.EFIRemovable || !cfg.CanTouchEFIVariables {
		return
	}

	locate := inst.Locate
	if locate == nil {
		locate = efivars.ESPLocation
	}
	location, err := locate(cfg.EFIMountPoint)
	if err != nil {
		report.add(FirmwareWriteFailed, "cannot locate the ESP device: %v", err)
		return
	}

	runner := inst.Firmware
	if runner == nil {
		runner = &efivars.ExecRunner{Path: filepath.Join(cfg.EFIBootMgrPath, "bin/efibootmgr")}
	}
	if err := efivars.Reconcile(runner, location, arch); err != nil {
		report.add(FirmwareWriteFailed, "%v", err)
	}
}

func installingGeneration(discovered []generation.Generation, toplevel string) (*generation.Generation, error) {
	if toplevel == "" {
		return nil, nil
	}

	if g := generation.FindByToplevel(discovered, toplevel); g != nil {
		return g, nil
	}

	// The toplevel has no profile link yet (interrupted switch); give
	// it the next generation number.
	spec, err := bootspec.Load(toplevel)
	if err != nil {
		return nil, fmt.Errorf("cannot load boot spec of %s: %v", toplevel, err)
	}
	var number uint64 = 1
	for i := range discovered {
		if discovered[i].Profile == "" && discovered[i].Number >= number {
			number = discovered[i].Number + 1
		}
	}
	info, err := os.Lstat(toplevel)
	if err != nil {
		return nil, err
	}
	path := toplevel
	if resolved, err := filepath.EvalSymlinks(toplevel); err == nil {
		path = resolved
	}
	return &generation.Generation{
		Number:  number,
		Created: info.ModTime(),
		Path:    path,
		Spec:    spec,
	}, nil
}
