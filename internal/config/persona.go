package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed persona.yaml
var defaultPersona []byte

// Persona is the assistant's system prompt and default response language
type Persona struct {
	SystemPrompt string `yaml:"system_prompt"`
	Language     string `yaml:"language"`
}

// LoadPersona reads a persona YAML file. An empty path yields the embedded default.
func LoadPersona(path string) (*Persona, error) {
	data := defaultPersona
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read persona file: %w", err)
		}
		data = raw
	}
	return ParsePersona(data)
}

// ParsePersona decodes persona YAML and applies defaults
func ParsePersona(data []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse persona: %w", err)
	}
	p.SystemPrompt = strings.TrimSpace(p.SystemPrompt)
	if p.SystemPrompt == "" {
		return nil, fmt.Errorf("persona system_prompt is empty")
	}
	if p.Language == "" {
		p.Language = "English"
	}
	return &p, nil
}
