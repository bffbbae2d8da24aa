// Package harness runs suites of prompts against a chat session and checks
// the answers.
package harness

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Languages a case may carry a prompt for.
const (
	LangEN = "en"
	LangAR = "ar"
)

// Case is one suite entry. A case carries an English prompt, an Arabic
// prompt, or both; each is sent as its own turn.
type Case struct {
	Name       string `yaml:"name" json:"name"`
	PromptEN   string `yaml:"prompt_en" json:"prompt_en"`
	ExpectedEN string `yaml:"expected_en" json:"expected_en"`
	PromptAR   string `yaml:"prompt_ar" json:"prompt_ar"`
	ExpectedAR string `yaml:"expected_ar" json:"expected_ar"`
	// MustNotContain fails the turn when the answer contains any of these
	// substrings, compared case-insensitively.
	MustNotContain []string `yaml:"must_not_contain" json:"must_not_contain"`
	// ExpectDirection checks that Arabic answers render right-to-left.
	ExpectDirection bool `yaml:"expect_direction" json:"expect_direction"`
}

// Prompt is a single language turn of a case.
type Prompt struct {
	Language string
	Text     string
	Expected string
}

// Prompts lists the turns of c, English first.
func (c Case) Prompts() []Prompt {
	var out []Prompt
	if c.PromptEN != "" {
		out = append(out, Prompt{Language: LangEN, Text: c.PromptEN, Expected: c.ExpectedEN})
	}
	if c.PromptAR != "" {
		out = append(out, Prompt{Language: LangAR, Text: c.PromptAR, Expected: c.ExpectedAR})
	}
	return out
}

type suiteFile struct {
	Cases []Case `yaml:"cases"`
}

// LoadCases reads a suite file. JSON is accepted as YAML. The file holds
// either a top-level list of cases or a mapping with a cases key.
func LoadCases(path string) ([]Case, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite: %w", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("parse suite %s: %w", path, err)
	}
	if len(node.Content) == 0 {
		return nil, fmt.Errorf("suite %s is empty", path)
	}

	var cases []Case
	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		err = root.Decode(&cases)
	} else {
		var sf suiteFile
		err = root.Decode(&sf)
		cases = sf.Cases
	}
	if err != nil {
		return nil, fmt.Errorf("decode suite %s: %w", path, err)
	}

	if err := validateCases(cases); err != nil {
		return nil, fmt.Errorf("suite %s: %w", path, err)
	}
	return cases, nil
}

func validateCases(cases []Case) error {
	if len(cases) == 0 {
		return errors.New("no cases")
	}
	seen := make(map[string]bool, len(cases))
	for i, c := range cases {
		if c.Name == "" {
			return fmt.Errorf("case %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate case name %q", c.Name)
		}
		seen[c.Name] = true
		if len(c.Prompts()) == 0 {
			return fmt.Errorf("case %q has no prompt", c.Name)
		}
	}
	return nil
}
