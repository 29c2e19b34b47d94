package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Layered holds a parsed configuration file before overlay
// resolution. The file layout is the global settings at the top level
// plus optional "principals" and "workflows" sections, each mapping a
// name to a partial overlay:
//
//	agent:
//	  timeout:
//	    default: 2m
//	principals:
//	  lab-alpha:
//	    agent:
//	      timeout:
//	        default: 5m
//	workflows:
//	  conversion/v1:
//	    validation:
//	      weight:
//	        warning: 5
type Layered struct {
	global     map[string]any
	principals map[string]map[string]any
	workflows  map[string]map[string]any
}

// Parse reads a configuration document. An empty document is valid
// and resolves to the defaults.
func Parse(data []byte) (*Layered, error) {
	var raw struct {
		Principals map[string]map[string]any `yaml:"principals"`
		Workflows  map[string]map[string]any `yaml:"workflows"`
		Global     map[string]any            `yaml:",inline"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &Layered{
		global:     raw.Global,
		principals: raw.Principals,
		workflows:  raw.Workflows,
	}, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Layered, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Resolve produces the effective configuration for one caller:
// defaults, then the global section, then the principal overlay, then
// the workflow overlay. Unknown principals and workflows are not an
// error; their overlay is simply absent.
func (l *Layered) Resolve(principal, workflowRef string) (Config, error) {
	merged := map[string]any{}
	deepMerge(merged, l.global)
	if principal != "" {
		deepMerge(merged, l.principals[principal])
	}
	if workflowRef != "" {
		deepMerge(merged, l.workflows[workflowRef])
	}

	cfg := Default()
	if len(merged) > 0 {
		out, err := yaml.Marshal(merged)
		if err != nil {
			return Config{}, fmt.Errorf("failed to merge config layers: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(out))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("unrecognized or malformed config option: %w", err)
		}
	}
	if err := structValidator.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Principals returns the names that carry a principal overlay.
func (l *Layered) Principals() []string {
	names := make([]string, 0, len(l.principals))
	for name := range l.principals {
		names = append(names, name)
	}
	return names
}

// Workflows returns the refs that carry a workflow overlay.
func (l *Layered) Workflows() []string {
	names := make([]string, 0, len(l.workflows))
	for name := range l.workflows {
		names = append(names, name)
	}
	return names
}

// deepMerge overlays src onto dst, descending into nested maps so an
// overlay can change one leaf without clobbering its siblings.
func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			copied := map[string]any{}
			deepMerge(copied, srcMap)
			dst[key] = copied
			continue
		}
		dst[key] = val
	}
}
