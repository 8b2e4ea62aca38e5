package platform

import (
	"fmt"
	"strings"
)

type Arch uint64

const (
	ARCH_X86_64 Arch = iota
	ARCH_IA32
	ARCH_AARCH64
)

// FromString maps a host architecture string, either a bare machine name
// or a full system double like "x86_64-linux", to an Arch.
func FromString(s string) (Arch, error) {
	switch {
	case strings.HasPrefix(s, "x86_64"):
		return ARCH_X86_64, nil
	case strings.HasPrefix(s, "i686"):
		return ARCH_IA32, nil
	case strings.HasPrefix(s, "aarch64"):
		return ARCH_AARCH64, nil
	default:
		return 0, fmt.Errorf("unsupported architecture: %q", s)
	}
}

func (a Arch) String() string {
	switch a {
	case ARCH_X86_64:
		return "x86_64"
	case ARCH_IA32:
		return "ia32"
	case ARCH_AARCH64:
		return "aarch64"
	default:
		panic("invalid architecture")
	}
}

// BootFileName returns the firmware fallback loader name under EFI/BOOT,
// used for removable installs.
func (a Arch) BootFileName() string {
	switch a {
	case ARCH_X86_64:
		return "BOOTX64.EFI"
	case ARCH_IA32:
		return "BOOTIA32.EFI"
	case ARCH_AARCH64:
		return "BOOTAA64.EFI"
	default:
		panic("invalid architecture")
	}
}

// LoaderFileName returns the rEFInd binary name shipped for this
// architecture.
func (a Arch) LoaderFileName() string {
	switch a {
	case ARCH_X86_64:
		return "refind_x64.efi"
	case ARCH_IA32:
		return "refind_ia32.efi"
	case ARCH_AARCH64:
		return "refind_aa64.efi"
	default:
		panic("invalid architecture")
	}
}

// DriverDirSuffix returns the suffix rEFInd uses for its per-architecture
// driver directories, e.g. "drivers_x64".
func (a Arch) DriverDirSuffix() string {
	switch a {
	case ARCH_X86_64:
		return "x64"
	case ARCH_IA32:
		return "ia32"
	case ARCH_AARCH64:
		return "aa64"
	default:
		panic("invalid architecture")
	}
}
