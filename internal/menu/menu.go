// Package menu renders the rEFInd configuration for a set of
// generations. Rendering is pure: identical inputs produce byte
// identical output and nothing is read from or written to disk.
package menu

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/nixos-tools/refind-builder/internal/bootspec"
	"github.com/nixos-tools/refind-builder/internal/config"
	"github.com/nixos-tools/refind-builder/internal/generation"
	"github.com/nixos-tools/refind-builder/internal/platform"
)

// kernelsDir is the ESP directory holding copied kernels and initrds,
// relative to the ESP root.
const kernelsDir = "EFI/refind/kernels"

// RenderedMenu is the configuration text together with the manifest of
// ESP files it references. Every manifest entry maps an ESP-relative
// destination to the store file it is copied from.
type RenderedMenu struct {
	Text  string
	Files map[string]string
}

// Render produces the boot menu for the given generations, newest
// first. LUKS unlock parameters are embedded in every stanza in the
// order supplied.
func Render(generations []generation.Generation, luksDevices []config.LuksDevice, timeout uint, extraConfig string, arch platform.Arch) (*RenderedMenu, error) {
	if len(generations) == 0 {
		return nil, fmt.Errorf("no bootable generations to render")
	}

	menu := &RenderedMenu{
		Files: make(map[string]string),
	}

	var b strings.Builder
	b.WriteString("# refind.conf - generated by refind-builder, do not edit.\n")
	fmt.Fprintf(&b, "timeout %d\n", timeout)
	fmt.Fprintf(&b, "scan_driver_dirs EFI/refind/drivers_%s\n", arch.DriverDirSuffix())
	if extraConfig != "" {
		b.WriteString(extraConfig)
		if !strings.HasSuffix(extraConfig, "\n") {
			b.WriteString("\n")
		}
	}

	for i := range generations {
		b.WriteString("\n")
		menu.writeGeneration(&b, &generations[i], luksDevices)
	}

	menu.Text = b.String()
	return menu, nil
}

func (m *RenderedMenu) writeGeneration(b *strings.Builder, g *generation.Generation, luksDevices []config.LuksDevice) {
	if len(g.Spec.Specialisations) == 0 {
		fmt.Fprintf(b, "menuentry \"%s\" {\n", escapeQuotes(g.Title()))
		m.writeBootLines(b, "    ", g.Spec, luksDevices)
		b.WriteString("}\n")
		return
	}

	// Specialisations nest below their generation's entry.
	fmt.Fprintf(b, "menuentry \"%s\" {\n", escapeQuotes(g.Title()))
	b.WriteString("    submenuentry \"Default\" {\n")
	m.writeBootLines(b, "        ", g.Spec, luksDevices)
	b.WriteString("    }\n")

	names := make([]string, 0, len(g.Spec.Specialisations))
	for name := range g.Spec.Specialisations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(b, "    submenuentry \"%s\" {\n", escapeQuotes(name))
		m.writeBootLines(b, "        ", g.Spec.Specialisations[name], luksDevices)
		b.WriteString("    }\n")
	}
	b.WriteString("}\n")
}

func (m *RenderedMenu) writeBootLines(b *strings.Builder, indent string, spec *bootspec.BootSpec, luksDevices []config.LuksDevice) {
	fmt.Fprintf(b, "%sloader /%s\n", indent, m.stage(spec.Kernel))
	if spec.Initrd != "" {
		fmt.Fprintf(b, "%sinitrd /%s\n", indent, m.stage(spec.Initrd))
	}
	fmt.Fprintf(b, "%soptions \"%s\"\n", indent, escapeQuotes(bootOptions(spec, luksDevices)))
}

func bootOptions(spec *bootspec.BootSpec, luksDevices []config.LuksDevice) string {
	var options []string
	if spec.Toplevel != "" {
		options = append(options, "systemConfig="+spec.Toplevel)
	}
	options = append(options, "init="+spec.Init)
	for _, d := range luksDevices {
		options = append(options, fmt.Sprintf("rd.luks.name=%s=%s", d.Device, d.Name))
	}
	options = append(options, spec.KernelParams...)
	return strings.Join(options, " ")
}

// stage records a store file in the manifest and returns its
// ESP-relative destination. The name keeps the store directory's
// hash-name prefix, so distinct builds never collide and shared files
// map to the same destination.
func (m *RenderedMenu) stage(storeFile string) string {
	dest := path.Join(kernelsDir, path.Base(path.Dir(storeFile))+"-"+path.Base(storeFile))
	m.Files[dest] = storeFile
	return dest
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `""`)
}
