package sandbox

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is one privacy tier's resource class. It feeds both the container
// limits and the creation attestation.
type Profile struct {
	Memory      string        `yaml:"memory"`
	CPUs        float64       `yaml:"cpus"`
	MaxLifetime time.Duration `yaml:"maxLifetime"`
}

// Profiles maps privacy tier names to resource classes. The "standard" tier
// is the fallback for jobs without an explicit tier.
type Profiles map[string]Profile

// DefaultTier is used when a job carries no privacy tier.
const DefaultTier = "standard"

// LoadProfiles reads a yaml tier file. When path is empty or the file does
// not exist, a single standard tier built from the defaults is returned.
func LoadProfiles(path, defMemory string, defCPUs float64, defLifetime time.Duration) (Profiles, error) {
	std := Profile{Memory: defMemory, CPUs: defCPUs, MaxLifetime: defLifetime}
	if path == "" {
		return Profiles{DefaultTier: std}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Profiles{DefaultTier: std}, nil
		}
		return nil, fmt.Errorf("read profiles %s: %w", path, err)
	}

	var profiles Profiles
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}

	// Fill gaps from the defaults so a tier may override just one knob.
	for tier, p := range profiles {
		if p.Memory == "" {
			p.Memory = std.Memory
		}
		if p.CPUs == 0 {
			p.CPUs = std.CPUs
		}
		if p.MaxLifetime == 0 {
			p.MaxLifetime = std.MaxLifetime
		}
		profiles[tier] = p
	}
	if _, ok := profiles[DefaultTier]; !ok {
		profiles[DefaultTier] = std
	}
	return profiles, nil
}

// For returns the profile for a tier, falling back to standard.
func (p Profiles) For(tier string) (string, Profile) {
	if tier != "" {
		if prof, ok := p[tier]; ok {
			return tier, prof
		}
	}
	return DefaultTier, p[DefaultTier]
}

// memoryBytes parses a docker-style memory string ("2g", "512m", "1024k",
// plain bytes) into bytes.
func memoryBytes(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty memory limit")
	}
	unit := int64(1)
	num := s
	switch s[len(s)-1] {
	case 'g', 'G':
		unit = 1 << 30
		num = s[:len(s)-1]
	case 'm', 'M':
		unit = 1 << 20
		num = s[:len(s)-1]
	case 'k', 'K':
		unit = 1 << 10
		num = s[:len(s)-1]
	}
	var n int64
	if _, err := fmt.Sscanf(num, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse memory limit %q: %w", s, err)
	}
	return n * unit, nil
}
