// Package script loads declarative patch files. A script is a list of steps,
// each editing one smali file of the decompiled tree or copying a resource,
// so downloaded patches never run arbitrary code.
package script

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/schaermu/apkpatcher/internal/patch"
	"github.com/schaermu/apkpatcher/internal/smali"
	"gopkg.in/yaml.v3"
)

// Step is a single edit. Exactly one of method, search or resource is set.
type Step struct {
	// Target smali file, by dotted class name or path relative to the tree
	Class string `yaml:"class"`
	File  string `yaml:"file"`

	// Replace the body of the first method whose .method line contains Method
	Method string   `yaml:"method"`
	Body   []string `yaml:"body"`

	// Replace every occurrence of Search in matching lines
	Search  string `yaml:"search"`
	Replace string `yaml:"replace"`

	// Copy a repository resource into the tree
	Resource string `yaml:"resource"`
	Dest     string `yaml:"dest"`

	// Optional steps that find nothing to edit do not fail the patch
	Optional bool `yaml:"optional"`
}

// Script is a loaded patch file
type Script struct {
	Steps []Step `yaml:"steps"`
}

// Register installs the script loader for .yaml and .yml patch files
func Register(reg *patch.Registry) {
	reg.RegisterLoader(".yaml", Load)
	reg.RegisterLoader(".yml", Load)
}

// Load parses and validates a script file
func Load(path string) (patch.Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes a script document
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return &s, nil
}

func (s Step) validate() error {
	actions := 0
	for _, set := range []bool{s.Method != "", s.Search != "", s.Resource != ""} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one of method, search or resource is required")
	}

	if s.Resource != "" {
		if s.Dest == "" {
			return fmt.Errorf("resource step requires dest")
		}
		return nil
	}
	if (s.Class == "") == (s.File == "") {
		return fmt.Errorf("exactly one of class or file is required")
	}
	return nil
}

// Apply runs the steps in order and stops at the first failing step
func (s *Script) Apply(settings map[string]any, ctx *patch.Context) (bool, error) {
	vars := variables(settings, ctx)
	for i, step := range s.Steps {
		if err := step.apply(vars, ctx); err != nil {
			if step.Optional && (errors.Is(err, smali.ErrMarkerNotFound) || errors.Is(err, smali.ErrClassNotFound)) {
				continue
			}
			return false, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return true, nil
}

func (s Step) apply(vars map[string]string, ctx *patch.Context) error {
	if s.Resource != "" {
		dest, err := expand(s.Dest, vars)
		if err != nil {
			return err
		}
		return ctx.CopyResource(s.Resource, dest)
	}

	path, err := s.target(vars, ctx)
	if err != nil {
		return err
	}
	lines, err := smali.ReadLines(path)
	if err != nil {
		return err
	}

	if s.Method != "" {
		start, end, err := smali.FindMethod(lines, s.Method)
		if err != nil {
			return err
		}
		body := make([]string, len(s.Body))
		for i, line := range s.Body {
			if body[i], err = expand(line, vars); err != nil {
				return err
			}
		}
		lines = smali.ReplaceMethodBody(lines, start, end, body)
	} else {
		replace, err := expand(s.Replace, vars)
		if err != nil {
			return err
		}
		if _, found := smali.FindLine(lines, s.Search, 0); !found {
			return fmt.Errorf("%q not found in %s: %w", s.Search, path, smali.ErrMarkerNotFound)
		}
		lines = smali.FindAndReplaceLine(lines, s.Search, replace)
	}

	return smali.WriteLines(path, lines)
}

func (s Step) target(vars map[string]string, ctx *patch.Context) (string, error) {
	if s.Class != "" {
		class, err := expand(s.Class, vars)
		if err != nil {
			return "", err
		}
		return ctx.ClassFile(class)
	}
	file, err := expand(s.File, vars)
	if err != nil {
		return "", err
	}
	return ctx.Path(file)
}

// variables collects the values ${key} may refer to. Patch settings shadow
// the app metadata keys.
func variables(settings map[string]any, ctx *patch.Context) map[string]string {
	vars := map[string]string{
		"apk":          ctx.APK,
		"package":      ctx.PackageName,
		"version_name": ctx.VersionName,
		"version_code": strconv.Itoa(ctx.VersionCode),
		"min_sdk":      strconv.Itoa(ctx.MinSDK),
		"target_sdk":   strconv.Itoa(ctx.TargetSDK),
	}
	for k, v := range settings {
		vars[k] = formatSetting(v)
	}
	return vars
}

// formatSetting renders a setting for smali. JSON numbers decode as float64
// and must never come out in exponent form.
func formatSetting(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// expand substitutes ${key} references. A bare $ is left alone since smali
// uses it in inner class names. An unknown key is an error so a typo never
// silently writes an empty value into smali.
func expand(s string, vars map[string]string) (string, error) {
	var missing string
	out := varPattern.ReplaceAllStringFunc(s, func(ref string) string {
		key := ref[2 : len(ref)-1]
		v, ok := vars[key]
		if !ok && missing == "" {
			missing = key
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("unknown variable %q", missing)
	}
	return out, nil
}
