// Package config loads the install configuration document the activation
// script hands us, either as JSON (the generated form) or TOML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/nixos-tools/refind-builder/internal/platform"
)

// PathEnv names the environment variable holding the path of the install
// configuration document.
const PathEnv = "REFIND_BUILDER_CONFIG"

const defaultTimeout = 10

// LuksDevice is a named encrypted volume that has to be unlocked before
// the root filesystem is available. On the wire it is a two-element
// array, [name, device].
type LuksDevice struct {
	Name   string
	Device string
}

func (d *LuksDevice) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("luks device must be a [name, device] pair, got %d elements", len(pair))
	}
	d.Name, d.Device = pair[0], pair[1]
	return nil
}

func (d *LuksDevice) UnmarshalTOML(value interface{}) error {
	pair, ok := value.([]interface{})
	if !ok || len(pair) != 2 {
		return fmt.Errorf("luks device must be a [name, device] pair")
	}
	name, nameOk := pair[0].(string)
	device, deviceOk := pair[1].(string)
	if !nameOk || !deviceOk {
		return fmt.Errorf("luks device pair must contain strings")
	}
	d.Name, d.Device = name, device
	return nil
}

// InstallConfig is the single input of a run. It is immutable once
// loaded.
type InstallConfig struct {
	NixPath              string
	RefindPath           string
	EFIMountPoint        string
	EFIBootMgrPath       string
	CanTouchEFIVariables bool
	EFIRemovable         bool
	Timeout              uint
	MaxGenerations       uint
	ExtraConfig          string
	HostArchitecture     string
	AdditionalFiles      map[string]string
	LuksDevices          []LuksDevice
}

// installConfigFile is the wire form. Optional fields are pointers so
// that absence can be told apart from a zero value.
type installConfigFile struct {
	NixPath              string            `json:"nixPath" toml:"nix_path"`
	RefindPath           string            `json:"refindPath" toml:"refind_path"`
	EFIMountPoint        string            `json:"efiMountPoint" toml:"efi_mount_point"`
	EFIBootMgrPath       string            `json:"efiBootMgrPath" toml:"efi_boot_mgr_path"`
	CanTouchEFIVariables bool              `json:"canTouchEfiVariables" toml:"can_touch_efi_variables"`
	EFIRemovable         bool              `json:"efiRemovable" toml:"efi_removable"`
	Timeout              *uint             `json:"timeout" toml:"timeout"`
	MaxGenerations       *uint             `json:"maxGenerations" toml:"max_generations"`
	ExtraConfig          string            `json:"extraConfig" toml:"extra_config"`
	HostArchitecture     string            `json:"hostArchitecture" toml:"host_architecture"`
	AdditionalFiles      map[string]string `json:"additionalFiles" toml:"additional_files"`
	LuksDevices          []LuksDevice      `json:"luksDevices" toml:"luks_devices"`
}

// Load reads and validates an install configuration. Files with a .toml
// suffix are decoded as TOML, everything else as JSON.
func Load(name string) (*InstallConfig, error) {
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %v", err)
	}

	var file installConfigFile
	if strings.EqualFold(filepath.Ext(name), ".toml") {
		err = toml.Unmarshal(raw, &file)
	} else {
		err = json.Unmarshal(raw, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %v", name, err)
	}

	c := &InstallConfig{
		NixPath:              file.NixPath,
		RefindPath:           file.RefindPath,
		EFIMountPoint:        file.EFIMountPoint,
		EFIBootMgrPath:       file.EFIBootMgrPath,
		CanTouchEFIVariables: file.CanTouchEFIVariables,
		EFIRemovable:         file.EFIRemovable,
		Timeout:              defaultTimeout,
		ExtraConfig:          file.ExtraConfig,
		HostArchitecture:     file.HostArchitecture,
		AdditionalFiles:      file.AdditionalFiles,
		LuksDevices:          file.LuksDevices,
	}
	if file.Timeout != nil {
		c.Timeout = *file.Timeout
	}
	if file.MaxGenerations != nil {
		c.MaxGenerations = *file.MaxGenerations
	}
	if c.AdditionalFiles == nil {
		c.AdditionalFiles = make(map[string]string)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *InstallConfig) validate() error {
	required := map[string]string{
		"refindPath":       c.RefindPath,
		"efiMountPoint":    c.EFIMountPoint,
		"hostArchitecture": c.HostArchitecture,
	}
	for field, value := range required {
		if value == "" {
			return fmt.Errorf("config field %s must not be empty", field)
		}
	}
	if c.CanTouchEFIVariables && !c.EFIRemovable && c.EFIBootMgrPath == "" {
		return fmt.Errorf("config field efiBootMgrPath must be set when canTouchEfiVariables is enabled")
	}
	for _, d := range c.LuksDevices {
		if d.Name == "" || d.Device == "" {
			return fmt.Errorf("luks device entries need both a name and a device")
		}
	}
	return nil
}

// Arch parses the host architecture. Architecture support is checked by
// the installer, not at load time, so that the failure is classified as
// an architecture problem rather than a malformed config.
func (c *InstallConfig) Arch() (platform.Arch, error) {
	return platform.FromString(c.HostArchitecture)
}
