package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meigma/arc"
)

// profile is a YAML file of method properties.
//
//	method: zstd
//	level: 9
//	passes: 3
//	fast_bytes: 64
//	show_image_number: true
//	default_image: 2
type profile struct {
	Method          string  `yaml:"method"`
	Level           *uint32 `yaml:"level"`
	Passes          uint32  `yaml:"passes"`
	FastBytes       uint32  `yaml:"fast_bytes"`
	ShowImageNumber *bool   `yaml:"show_image_number"`
	DefaultImage    uint32  `yaml:"default_image"`
}

// loadProfile reads a profile. Unknown keys are rejected.
func loadProfile(path string) (*profile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-provided path is intentional
	if err != nil {
		return nil, err
	}
	var p profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return &p, nil
}

// properties converts the profile into handler properties.
func (p *profile) properties() (names []string, values []arc.Value) {
	add := func(name string, v arc.Value) {
		names = append(names, name)
		values = append(values, v)
	}
	if p.Method != "" {
		add("M", arc.Text(p.Method))
	}
	if p.Level != nil {
		add("X", arc.U32(*p.Level))
	}
	if p.Passes != 0 {
		add("PASS", arc.U32(p.Passes))
	}
	if p.FastBytes != 0 {
		add("FB", arc.U32(p.FastBytes))
	}
	if p.ShowImageNumber != nil {
		add("IM", arc.Bool(*p.ShowImageNumber))
	}
	if p.DefaultImage != 0 {
		add("IMAGE", arc.U32(p.DefaultImage))
	}
	return names, values
}

// parseProperty parses a -m flag. A bare key or empty value is Empty;
// numbers are U32; on/off and true/false are Bool; anything else is Text.
func parseProperty(raw string) (string, arc.Value, error) {
	name, value, _ := strings.Cut(raw, "=")
	if name == "" {
		return "", arc.Value{}, fmt.Errorf("bad property %q: want key[=value]", raw)
	}
	if value == "" {
		return name, arc.Empty(), nil
	}
	if n, err := strconv.ParseUint(value, 10, 32); err == nil {
		return name, arc.U32(uint32(n)), nil
	}
	switch strings.ToLower(value) {
	case "on", "true":
		return name, arc.Bool(true), nil
	case "off", "false":
		return name, arc.Bool(false), nil
	}
	return name, arc.Text(value), nil
}
