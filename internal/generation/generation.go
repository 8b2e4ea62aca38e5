// Package generation enumerates the bootable system generations of a
// host and decides which of them stay bootable under a retention limit.
package generation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nixos-tools/refind-builder/internal/bootspec"
)

// Generation is one bootable snapshot of the system. It is never
// mutated; stale generations are dropped wholesale.
type Generation struct {
	// Profile is the system profile name, empty for the default
	// "system" profile.
	Profile string
	// Number is the externally assigned, monotonically increasing
	// generation number.
	Number uint64
	// Created is the timestamp of the profile link.
	Created time.Time
	// Path is the resolved toplevel directory of the generation.
	Path string
	// Spec is the generation's parsed boot.json.
	Spec *bootspec.BootSpec
}

// Title is the menu title of the generation's boot entry.
func (g *Generation) Title() string {
	label := g.Spec.Label
	if label == "" {
		label = "NixOS"
	}
	profile := ""
	if g.Profile != "" {
		profile = fmt.Sprintf(" [%s]", g.Profile)
	}
	return fmt.Sprintf("%s, Generation %d%s (%s)", label, g.Number, profile, g.Created.Format("2006-01-02"))
}

var systemLinkRe = regexp.MustCompile(`^system-(\d+)-link$`)
var profileLinkRe = regexp.MustCompile(`^(.*)-(\d+)-link$`)

// Discover enumerates the generations recorded under the profiles
// directory, for the default profile and any named profiles below
// system-profiles. A generation whose boot.json cannot be read is
// treated as absent; a stale profile link alone does not make a
// generation bootable.
func Discover(profilesDir string) ([]Generation, error) {
	entries, err := os.ReadDir(profilesDir)
	if err != nil {
		return nil, fmt.Errorf("cannot read profiles directory %s: %v", profilesDir, err)
	}

	var generations []Generation
	for _, entry := range entries {
		m := systemLinkRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		number, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		g, err := load(filepath.Join(profilesDir, entry.Name()), "", number)
		if err != nil {
			logrus.Debugf("Skipping generation %d: %v", number, err)
			continue
		}
		generations = append(generations, *g)
	}

	profilesSubdir := filepath.Join(profilesDir, "system-profiles")
	subEntries, err := os.ReadDir(profilesSubdir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read %s: %v", profilesSubdir, err)
	}
	for _, entry := range subEntries {
		m := profileLinkRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		number, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			continue
		}
		g, err := load(filepath.Join(profilesSubdir, entry.Name()), m[1], number)
		if err != nil {
			logrus.Debugf("Skipping generation %s-%d: %v", m[1], number, err)
			continue
		}
		generations = append(generations, *g)
	}

	SortNewestFirst(generations)
	return generations, nil
}

func load(link, profile string, number uint64) (*Generation, error) {
	info, err := os.Lstat(link)
	if err != nil {
		return nil, err
	}
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		target = link
	}
	spec, err := bootspec.Load(target)
	if err != nil {
		return nil, err
	}
	return &Generation{
		Profile: profile,
		Number:  number,
		Created: info.ModTime(),
		Path:    target,
		Spec:    spec,
	}, nil
}

// SortNewestFirst orders generations by descending number, the default
// profile before named ones on equal numbers.
func SortNewestFirst(generations []Generation) {
	sort.SliceStable(generations, func(i, j int) bool {
		if generations[i].Number != generations[j].Number {
			return generations[i].Number > generations[j].Number
		}
		return generations[i].Profile < generations[j].Profile
	})
}

// Merge adds the generation currently being installed to the discovered
// set, exactly once. On a number collision the installing instance wins
// and the discovered one is returned in dropped. The result is ordered
// newest first.
func Merge(discovered []Generation, installing *Generation) (merged, dropped []Generation) {
	merged = make([]Generation, 0, len(discovered)+1)
	for _, g := range discovered {
		if installing != nil && g.Profile == installing.Profile && g.Number == installing.Number {
			if g.Path == installing.Path {
				// Same instance, already listed.
				installing = nil
				merged = append(merged, g)
				continue
			}
			logrus.Debugf("Duplicate generation %d: dropping %s in favor of the system being installed", g.Number, g.Path)
			dropped = append(dropped, g)
			continue
		}
		merged = append(merged, g)
	}
	if installing != nil {
		merged = append(merged, *installing)
	}
	SortNewestFirst(merged)
	return merged, dropped
}

// FindByToplevel returns the generation whose toplevel matches the given
// store path, or nil.
func FindByToplevel(generations []Generation, toplevel string) *Generation {
	resolved, err := filepath.EvalSymlinks(toplevel)
	if err != nil {
		resolved = toplevel
	}
	for i := range generations {
		if generations[i].Path == resolved {
			return &generations[i]
		}
	}
	return nil
}

// Partition splits an ordered generation sequence into the ones to keep
// and the ones exceeding the retention limit. A limit of zero keeps
// everything.
func Partition(generations []Generation, maxGenerations uint) (keep, prune []Generation) {
	if maxGenerations == 0 || uint(len(generations)) <= maxGenerations {
		return generations, nil
	}
	return generations[:maxGenerations], generations[maxGenerations:]
}
