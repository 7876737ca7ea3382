// Package config parses the YAML configuration surface a skeleton reads
// to learn which events, fields, and methods to offer, and which uids are
// allowed to consume them at each quality level.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/lola-shm/errors"
)

// QualityAllowlist restricts which uids may subscribe/call at a given
// ASIL quality level. An empty list means "no restriction".
type QualityAllowlist struct {
	QM    []uint32 `yaml:"qm"`
	ASILB []uint32 `yaml:"asil_b"`
}

// EventConfig configures one event or field a skeleton registers.
type EventConfig struct {
	Name              string           `yaml:"name"`
	ElementID         uint16           `yaml:"element_id"`
	IsField           bool             `yaml:"is_field"`
	MaxSamples        int              `yaml:"max_samples"`
	MaxSubscribers    int              `yaml:"max_subscribers"`
	EnforceMaxSamples bool             `yaml:"enforce_max_samples"`
	SampleSize        int              `yaml:"sample_size_bytes"`
	Allowlist         QualityAllowlist `yaml:"allowlist"`
}

// MethodConfig configures one method a skeleton registers.
type MethodConfig struct {
	Name          string           `yaml:"name"`
	ElementID     uint16           `yaml:"element_id"`
	QueueDepth    int              `yaml:"queue_depth"`
	MaxArgSize    int              `yaml:"max_arg_size_bytes"`
	MaxResultSize int              `yaml:"max_result_size_bytes"`
	Allowlist     QualityAllowlist `yaml:"allowlist"`
}

// SizingMode selects how a skeleton computes the shared-memory size it
// needs at PrepareOffer time.
type SizingMode string

const (
	SizingModeSimulate SizingMode = "simulate"
	SizingModeEstimate SizingMode = "estimate"
)

// ServiceConfig is the full configuration for one service instance a
// skeleton offers.
type ServiceConfig struct {
	ServiceID         uint16         `yaml:"service_id"`
	InstanceID        uint16         `yaml:"instance_id"`
	InstanceUID       uint32         `yaml:"instance_uid"` // stamped into the DATA segment's skeleton_uid at PrepareOffer
	ASILLevel         string         `yaml:"asil_level"` // "QM" or "ASIL-B"
	ShmSizeCalcMode   SizingMode     `yaml:"shm_size_calculation_mode"`
	MaxUidPidEntries  int            `yaml:"max_uid_pid_entries"`
	Events            []EventConfig  `yaml:"events"`
	Methods           []MethodConfig `yaml:"methods"`
}

// Load reads and parses a ServiceConfig from the YAML file at path.
func Load(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap("config.Load", err)
	}
	var cfg ServiceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap("config.Load", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ServiceConfig) applyDefaults() {
	if c.ShmSizeCalcMode == "" {
		c.ShmSizeCalcMode = SizingModeEstimate
	}
	if c.MaxUidPidEntries == 0 {
		c.MaxUidPidEntries = 50
	}
	for i := range c.Events {
		e := &c.Events[i]
		if e.MaxSamples == 0 {
			e.MaxSamples = 4
		}
		if e.MaxSubscribers == 0 {
			e.MaxSubscribers = 16
		}
		if e.SampleSize == 0 {
			e.SampleSize = 256
		}
	}
	for i := range c.Methods {
		m := &c.Methods[i]
		if m.QueueDepth == 0 {
			m.QueueDepth = 8
		}
		if m.MaxArgSize == 0 {
			m.MaxArgSize = 4096
		}
		if m.MaxResultSize == 0 {
			m.MaxResultSize = 4096
		}
	}
}

func (c *ServiceConfig) validate() error {
	if c.ServiceID == 0 {
		return errors.New("config.validate", errors.CodeBindingFailure, "service_id must be set")
	}
	if c.ASILLevel != "QM" && c.ASILLevel != "ASIL-B" {
		return errors.New("config.validate", errors.CodeBindingFailure, "asil_level must be QM or ASIL-B")
	}
	seen := map[uint16]bool{}
	for _, e := range c.Events {
		if seen[e.ElementID] {
			return errors.New("config.validate", errors.CodeBindingFailure, "duplicate element_id in events")
		}
		seen[e.ElementID] = true
	}
	for _, m := range c.Methods {
		if seen[m.ElementID] {
			return errors.New("config.validate", errors.CodeBindingFailure, "duplicate element_id across events/methods")
		}
		seen[m.ElementID] = true
	}
	return nil
}

// IsAllowed reports whether uid may access a resource guarded by list at
// the given quality level's allowlist; an empty sub-list means
// unrestricted.
func (l QualityAllowlist) IsAllowed(uid uint32, asilB bool) bool {
	list := l.QM
	if asilB {
		list = l.ASILB
	}
	if len(list) == 0 {
		return true
	}
	for _, allowed := range list {
		if allowed == uid {
			return true
		}
	}
	return false
}
