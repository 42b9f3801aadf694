package profile

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest assigns profiles to devices. It lives alongside the artifacts
// (profiles.d/devices.yaml by default) and overrides the globally active
// profile for matching devices:
//
//	assignments:
//	  - device: "usb-Keychron_K2-*"
//	    profile: mechanical
//	  - device: "*ThinkPad*"
//	    profile: laptop
//	ignore:
//	  - "*virtual*"
//
// First matching assignment wins. Devices matching an ignore pattern are
// left in pass-through mode.
type Manifest struct {
	Assignments []Assignment `yaml:"assignments"`
	Ignore      []string     `yaml:"ignore"`
}

// Assignment binds a device pattern to a profile name.
type Assignment struct {
	Device  string `yaml:"device"`
	Profile string `yaml:"profile"`
}

// LoadManifest reads a manifest file. A missing file is an empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("profile: read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("profile: parse manifest: %w", err)
	}
	for i, a := range m.Assignments {
		if a.Device == "" || a.Profile == "" {
			return nil, fmt.Errorf("profile: manifest assignment %d: device and profile required", i)
		}
	}
	return &m, nil
}

// ProfileFor returns the assigned profile for a device, or fallback when no
// assignment matches. ok is false when the device is ignored.
func (m *Manifest) ProfileFor(deviceID, fallback string) (profile string, ok bool) {
	for _, pat := range m.Ignore {
		if matchPattern(pat, deviceID) {
			return "", false
		}
	}
	for _, a := range m.Assignments {
		if matchPattern(a.Device, deviceID) {
			return a.Profile, true
		}
	}
	return fallback, true
}

// matchPattern supports the same glob subset rule sets use: "*", prefix*,
// *suffix, *contains*, or exact match.
func matchPattern(pattern, s string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(s, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(s, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(s, pattern[:len(pattern)-1])
	default:
		return s == pattern
	}
}
