// Package config loads the shaping configuration document: global rates
// and priorities plus a named set of process groups, each carrying an
// ordered list of match conditions. Unmarshalling follows the teacher's
// load-then-validate shape (see LoadConfig), with a custom
// YAML decode on the process map so duplicate group names are caught by
// name instead of silently overwriting one another the way a plain
// map[string]T unmarshal would.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/NodePath81/groupshaper/internal/shaperr"
	"gopkg.in/yaml.v3"
)

// MatchCondition is one (attribute, regex) test in a group's predicate
// set. It decodes from a single-key YAML mapping, e.g. `{name: "^nginx$"}`,
// the list form spec.md §6 requires; a flat multi-key mapping or any other
// shape is rejected so the ordering of conjunctive conditions is never
// left to Go's unspecified map iteration order.
type MatchCondition struct {
	Attribute string
	Pattern   string
	Regex     *regexp.Regexp
}

func (m *MatchCondition) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return fmt.Errorf("match condition must be a single-key mapping, e.g. {name: \"^nginx$\"}")
	}
	var attr, pattern string
	if err := value.Content[0].Decode(&attr); err != nil {
		return fmt.Errorf("match condition key: %w", err)
	}
	if err := value.Content[1].Decode(&pattern); err != nil {
		return fmt.Errorf("match condition %q value: %w", attr, err)
	}
	// \A anchors at the start of the string without requiring the
	// caller's pattern to repeat a leading "^"; the original's
	// re.match() does the same anchoring implicitly.
	re, err := regexp.Compile(`\A(?:` + pattern + `)`)
	if err != nil {
		return fmt.Errorf("match condition %q: %w", attr, err)
	}
	m.Attribute = attr
	m.Pattern = pattern
	m.Regex = re
	return nil
}

// GroupSpec is a read-only-after-load process group: a name, its ordered
// match conditions, and optional per-direction rate/minimum/priority
// overrides. Unset fields are empty strings / nil pointers and inherit
// the global defaults the Topology Builder computes.
type GroupSpec struct {
	Name      string
	Match     []MatchCondition
	Recursive bool

	DownloadRate     string
	DownloadMinimum  string
	DownloadPriority *int
	UploadRate       string
	UploadMinimum    string
	UploadPriority   *int
}

// groupRecord is the YAML shape of one entry under `processes`.
type groupRecord struct {
	Match     []MatchCondition `yaml:"match"`
	Recursive bool             `yaml:"recursive"`

	DownloadRate     string `yaml:"download"`
	DownloadMinimum  string `yaml:"download-minimum"`
	DownloadPriority *int   `yaml:"download-priority"`
	UploadRate       string `yaml:"upload"`
	UploadMinimum    string `yaml:"upload-minimum"`
	UploadPriority   *int   `yaml:"upload-priority"`
}

// rawConfig mirrors the YAML document shape before group names have been
// validated; Processes is decoded by hand from the underlying mapping
// node so duplicate keys surface as a ConfigError.
type rawConfig struct {
	Download         string    `yaml:"download"`
	Upload           string    `yaml:"upload"`
	DownloadMinimum  string    `yaml:"download-minimum"`
	UploadMinimum    string    `yaml:"upload-minimum"`
	DownloadPriority *int      `yaml:"download-priority"`
	UploadPriority   *int      `yaml:"upload-priority"`
	Processes        yaml.Node `yaml:"processes"`
}

// Config is the fully loaded, syntactically validated configuration
// tree. Rate inheritance and default-priority computation are left to
// the Topology Builder, which needs the full group set at once.
type Config struct {
	DownloadRate     string
	UploadRate       string
	DownloadMinimum  string
	UploadMinimum    string
	DownloadPriority *int
	UploadPriority   *int
	Groups           []GroupSpec
}

type namedRecord struct {
	Name   string
	Record groupRecord
}

// decodeProcesses walks a mapping node's Content pairs directly instead
// of decoding into map[string]groupRecord, because a Go map unmarshal
// would let a duplicate YAML key silently overwrite its predecessor.
func decodeProcesses(node *yaml.Node) ([]namedRecord, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, &shaperr.ConfigError{Field: "processes", Reason: "must be a mapping from group name to group record"}
	}
	seen := make(map[string]struct{}, len(node.Content)/2)
	out := make([]namedRecord, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name string
		if err := node.Content[i].Decode(&name); err != nil {
			return nil, fmt.Errorf("processes: %w", err)
		}
		if _, dup := seen[name]; dup {
			return nil, &shaperr.ConfigError{Field: name, Reason: "duplicate group name"}
		}
		seen[name] = struct{}{}
		var rec groupRecord
		if err := node.Content[i+1].Decode(&rec); err != nil {
			return nil, &shaperr.ConfigError{Field: name, Reason: err.Error()}
		}
		out = append(out, namedRecord{Name: name, Record: rec})
	}
	return out, nil
}

// Warner receives a message when LoadConfig skips a malformed-but-
// non-fatal group. *slog.Logger satisfies this with its Warn method
// signature; callers that don't care can pass a no-op.
type Warner interface {
	Warn(msg string, args ...any)
}

// LoadConfig reads path, parses it as YAML, builds the Config tree, and
// validates it structurally. A process group with no match conditions
// is warned about through warn and skipped rather than failing the
// whole load, per spec.md §6.
func LoadConfig(path string, warn Warner) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var rc rawConfig
	if err := yaml.Unmarshal(raw, &rc); err != nil {
		return Config{}, &shaperr.ConfigError{Field: "<root>", Reason: err.Error()}
	}

	records, err := decodeProcesses(&rc.Processes)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DownloadRate:     rc.Download,
		UploadRate:       rc.Upload,
		DownloadMinimum:  rc.DownloadMinimum,
		UploadMinimum:    rc.UploadMinimum,
		DownloadPriority: rc.DownloadPriority,
		UploadPriority:   rc.UploadPriority,
	}

	for _, nr := range records {
		if len(nr.Record.Match) == 0 {
			warn.Warn("process group has no match conditions, skipping", "group", nr.Name)
			continue
		}
		cfg.Groups = append(cfg.Groups, GroupSpec{
			Name:             nr.Name,
			Match:            nr.Record.Match,
			Recursive:        nr.Record.Recursive,
			DownloadRate:     nr.Record.DownloadRate,
			DownloadMinimum:  nr.Record.DownloadMinimum,
			DownloadPriority: nr.Record.DownloadPriority,
			UploadRate:       nr.Record.UploadRate,
			UploadMinimum:    nr.Record.UploadMinimum,
			UploadPriority:   nr.Record.UploadPriority,
		})
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := ValidateRate("download", c.DownloadRate); err != nil {
		return err
	}
	if err := ValidateRate("upload", c.UploadRate); err != nil {
		return err
	}
	if err := ValidateRate("download-minimum", c.DownloadMinimum); err != nil {
		return err
	}
	if err := ValidateRate("upload-minimum", c.UploadMinimum); err != nil {
		return err
	}
	if err := validatePriority("download-priority", c.DownloadPriority); err != nil {
		return err
	}
	if err := validatePriority("upload-priority", c.UploadPriority); err != nil {
		return err
	}

	for _, g := range c.Groups {
		if err := ValidateRate(g.Name+".download", g.DownloadRate); err != nil {
			return err
		}
		if err := ValidateRate(g.Name+".upload", g.UploadRate); err != nil {
			return err
		}
		if err := ValidateRate(g.Name+".download-minimum", g.DownloadMinimum); err != nil {
			return err
		}
		if err := ValidateRate(g.Name+".upload-minimum", g.UploadMinimum); err != nil {
			return err
		}
		if err := validatePriority(g.Name+".download-priority", g.DownloadPriority); err != nil {
			return err
		}
		if err := validatePriority(g.Name+".upload-priority", g.UploadPriority); err != nil {
			return err
		}
	}
	return nil
}

func validatePriority(field string, p *int) error {
	if p == nil {
		return nil
	}
	if *p < 0 {
		return &shaperr.ConfigError{Field: field, Reason: "priority must be non-negative"}
	}
	return nil
}
