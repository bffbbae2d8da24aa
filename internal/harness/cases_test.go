package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSuite(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadCasesYAMLMapping(t *testing.T) {
	path := writeSuite(t, "suite.yaml", `
cases:
  - name: greeting
    prompt_en: "Hello"
    expected_en: "Hi, how can I help?"
    prompt_ar: "مرحبا"
    expected_ar: "أهلا"
    expect_direction: true
  - name: xss
    prompt_en: "<script>alert(1)</script>"
    must_not_contain: ["<script>"]
`)
	cases, err := LoadCases(path)
	require.NoError(t, err)
	require.Len(t, cases, 2)

	assert.Equal(t, "greeting", cases[0].Name)
	assert.True(t, cases[0].ExpectDirection)
	prompts := cases[0].Prompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, LangEN, prompts[0].Language)
	assert.Equal(t, LangAR, prompts[1].Language)
	assert.Equal(t, "أهلا", prompts[1].Expected)

	assert.Equal(t, []string{"<script>"}, cases[1].MustNotContain)
	assert.Len(t, cases[1].Prompts(), 1)
}

func TestLoadCasesJSONList(t *testing.T) {
	path := writeSuite(t, "suite.json", `[
  {"name": "arabic-only", "prompt_ar": "كيف حالك؟", "expected_ar": "أنا بخير"}
]`)
	cases, err := LoadCases(path)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	prompts := cases[0].Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, LangAR, prompts[0].Language)
}

func TestLoadCasesRejectsBadSuites(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", "", "empty"},
		{"no cases", "cases: []\n", "no cases"},
		{"unnamed", "- prompt_en: hi\n", "has no name"},
		{"duplicate", "- {name: a, prompt_en: x}\n- {name: a, prompt_en: y}\n", "duplicate"},
		{"no prompt", "- name: a\n  expected_en: x\n", "has no prompt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCases(writeSuite(t, "suite.yaml", tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadCasesMissingFile(t *testing.T) {
	_, err := LoadCases(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
