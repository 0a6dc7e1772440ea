package config

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// SupportedTemplateVersions is the range of template file versions this
// build understands.
const SupportedTemplateVersions = ">= 1.0.0, < 2.0.0"

// TemplateFile is the on-disk task template set.
type TemplateFile struct {
	Version   string                            `yaml:"version"`
	Templates []contracts.ScheduledTaskTemplate `yaml:"templates"`
}

// DefaultTemplates is the built-in schedule: the meal protocol drops at
// 06:00 and auto-misses at 22:00 local, training follows the block
// schedule, the last day of a cut block is a refeed day, and the morning
// check-in closes at noon.
func DefaultTemplates() []contracts.ScheduledTaskTemplate {
	return []contracts.ScheduledTaskTemplate{
		{Kind: contracts.KindFuel, Drop: contracts.MustClock("06:00"), Deadline: contracts.MustClock("22:00"),
			Refeed: `client.goal == "cut" && day_index == 6`},
		{Kind: contracts.KindTraining, Drop: contracts.MustClock("06:00"), Deadline: contracts.MustClock("22:00"),
			Applicable: "day_index in client.training_days"},
		{Kind: contracts.KindCardio, Drop: contracts.MustClock("06:00"), Deadline: contracts.MustClock("22:00")},
		{Kind: contracts.KindCheckin, Drop: contracts.MustClock("07:00"), Deadline: contracts.MustClock("12:00")},
	}
}

// LoadTemplates reads and validates a template file. An empty path yields
// DefaultTemplates.
func LoadTemplates(path string) ([]contracts.ScheduledTaskTemplate, error) {
	if path == "" {
		return DefaultTemplates(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load templates %q: %w", path, err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes YAML template data, checks its version against
// SupportedTemplateVersions and validates every window.
func ParseTemplates(data []byte) ([]contracts.ScheduledTaskTemplate, error) {
	var file TemplateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	v, err := semver.NewVersion(file.Version)
	if err != nil {
		return nil, fmt.Errorf("templates version %q: %w", file.Version, err)
	}
	supported, err := semver.NewConstraint(SupportedTemplateVersions)
	if err != nil {
		return nil, err
	}
	if !supported.Check(v) {
		return nil, fmt.Errorf("templates version %s outside supported range %q", v, SupportedTemplateVersions)
	}

	if len(file.Templates) == 0 {
		return nil, fmt.Errorf("templates: no templates defined")
	}
	seen := make(map[contracts.Kind]bool, len(file.Templates))
	for _, t := range file.Templates {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.Kind] {
			return nil, fmt.Errorf("templates: duplicate kind %s", t.Kind)
		}
		seen[t.Kind] = true
	}
	return file.Templates, nil
}
