// Package model implements the entity model of spec.md §3: immutable
// JobDefinitions loaded from YAML, the JobGroup tree they live in,
// and the Build/Run/Host property directories that make up the rest
// of the on-disk state. Build/Run/Host persistence is built on
// internal/store; the YAML parser itself is an external collaborator
// per spec.md §1, so job definitions are decoded with gopkg.in/yaml.v3
// directly rather than through any custom grammar.
package model

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RetentionPolicy is a JobDefinition's historic-build cleanup policy.
type RetentionPolicy struct {
	Unit  string `yaml:"unit"`
	Value int    `yaml:"value"`
}

// ContainerSpec names an image a Run may execute in, and the host-tag
// that selects workers able to run it.
type ContainerSpec struct {
	Image   string `yaml:"image"`
	HostTag string `yaml:"host_tag,omitempty"`
}

// ParamSpec describes a build parameter a caller may supply.
type ParamSpec struct {
	Name    string   `yaml:"name"`
	Choices []string `yaml:"choices,omitempty"`
	Default string   `yaml:"defval,omitempty"`
}

// RunSpec is one run within a triggers[].runs list: which container
// image to use and any param overrides for that run. Name is
// caller-declared, matching the original's treatment of run names as
// meaningful identifiers (e.g. `b.get_run('foo')`) rather than
// positional; it falls back to an auto-generated name when omitted.
type RunSpec struct {
	Name      string            `yaml:"name,omitempty"`
	Container string            `yaml:"container"`
	HostTag   string            `yaml:"host_tag,omitempty"`
	Params    map[string]string `yaml:"params,omitempty"`
}

// TriggerSpec describes an external change source that creates builds.
type TriggerSpec struct {
	Type    string    `yaml:"type"`
	HTTPURL string    `yaml:"http_url,omitempty"`
	Refs    []string  `yaml:"refs,omitempty"`
	Runs    []RunSpec `yaml:"runs"`
}

// NotifySpec registers a terminal-build notifier.
type NotifySpec struct {
	Type         string   `yaml:"type"`
	OnlyFailures bool     `yaml:"only_failures,omitempty"`
	Users        []string `yaml:"users,omitempty"`
}

// JobDefinition is an immutable, externally-authored job description,
// per spec.md §3. Name is derived from its path within the JobStore
// root, not from the YAML body.
type JobDefinition struct {
	Name string `yaml:"-"`

	Description string          `yaml:"description"`
	Timeout     int             `yaml:"timeout"`
	Script      string          `yaml:"script"`
	Secrets     []string        `yaml:"secrets,omitempty"`
	Retention   *RetentionPolicy `yaml:"retention,omitempty"`
	Containers  []ContainerSpec `yaml:"containers"`
	Params      []ParamSpec     `yaml:"params,omitempty"`
	Triggers    []TriggerSpec   `yaml:"triggers,omitempty"`
	Notify      []NotifySpec    `yaml:"notify,omitempty"`
}

// Validate checks the required fields and the job-name invariant
// (spec.md §3: "must not contain '#'").
func (j *JobDefinition) Validate() error {
	if strings.Contains(j.Name, "#") {
		return fmt.Errorf("job name %q must not contain '#'", j.Name)
	}
	if j.Description == "" {
		return fmt.Errorf("job %q: description is required", j.Name)
	}
	if j.Timeout <= 0 {
		return fmt.Errorf("job %q: timeout is required and must be positive", j.Name)
	}
	if j.Script == "" {
		return fmt.Errorf("job %q: script is required", j.Name)
	}
	if len(j.Containers) == 0 {
		return fmt.Errorf("job %q: at least one container is required", j.Name)
	}
	for i, c := range j.Containers {
		if c.Image == "" {
			return fmt.Errorf("job %q: containers[%d] is missing image", j.Name, i)
		}
	}
	if j.Retention != nil {
		switch j.Retention.Unit {
		case "days", "builds":
		default:
			return fmt.Errorf("job %q: retention.unit must be \"days\" or \"builds\"", j.Name)
		}
		if j.Retention.Value <= 0 {
			return fmt.Errorf("job %q: retention.value must be > 0", j.Name)
		}
	}
	return nil
}

// HostTagFor resolves the host-tag for a container image by scanning
// the job's container list for the first matching image; falls back
// to "*" (any host), per spec.md §4.2 step 5.
func (j *JobDefinition) HostTagFor(image string) string {
	for _, c := range j.Containers {
		if c.Image == image {
			if c.HostTag != "" {
				return c.HostTag
			}
			return "*"
		}
	}
	return "*"
}

// loadJobDefinition parses a single .yml file into a JobDefinition
// named per its path relative to the JobStore root.
func loadJobDefinition(path, name string) (*JobDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job definition %s: %w", path, err)
	}

	jd := &JobDefinition{Name: name}
	if err := yaml.Unmarshal(raw, jd); err != nil {
		return nil, fmt.Errorf("parsing job definition %s: %w", path, err)
	}
	jd.Name = name

	if err := jd.Validate(); err != nil {
		return nil, err
	}
	return jd, nil
}
