// Package bootspec reads the boot.json document a generation's toplevel
// carries, version "org.nixos.bootspec.v1", including nested
// specialisation documents.
package bootspec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type BootSpec struct {
	System          string
	Init            string
	Kernel          string
	KernelParams    []string
	Label           string
	Toplevel        string
	Initrd          string
	InitrdSecrets   string
	Specialisations map[string]*BootSpec
}

type document struct {
	Entry           specV1              `json:"org.nixos.bootspec.v1"`
	Specialisations map[string]document `json:"org.nixos.specialisation.v1"`
}

type specV1 struct {
	System        string   `json:"system"`
	Init          string   `json:"init"`
	Kernel        string   `json:"kernel"`
	KernelParams  []string `json:"kernelParams"`
	Label         string   `json:"label"`
	Toplevel      string   `json:"toplevel"`
	Initrd        string   `json:"initrd"`
	InitrdSecrets string   `json:"initrdSecrets"`
}

// Load reads boot.json from a system toplevel directory.
func Load(systemPath string) (*BootSpec, error) {
	name := filepath.Join(systemPath, "boot.json")
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %v", name, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %v", name, err)
	}
	if doc.Entry.Kernel == "" || doc.Entry.Init == "" {
		return nil, fmt.Errorf("%s: missing kernel or init", name)
	}

	return fromDocument(doc), nil
}

func fromDocument(doc document) *BootSpec {
	spec := &BootSpec{
		System:          doc.Entry.System,
		Init:            doc.Entry.Init,
		Kernel:          doc.Entry.Kernel,
		KernelParams:    doc.Entry.KernelParams,
		Label:           doc.Entry.Label,
		Toplevel:        doc.Entry.Toplevel,
		Initrd:          doc.Entry.Initrd,
		InitrdSecrets:   doc.Entry.InitrdSecrets,
		Specialisations: make(map[string]*BootSpec),
	}
	for name, sub := range doc.Specialisations {
		spec.Specialisations[name] = fromDocument(sub)
	}
	return spec
}
