package parsers

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtraction_NameAndDate(t *testing.T) {
	vars, err := ParseExtraction(`{"name": "Sam", "date": "July 3"}`, []string{"name", "date"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "Sam", "date": "July 3"}, vars)
}

func TestParseExtraction_CodeFenceAndExtraKeys(t *testing.T) {
	content := "```json\n{\"name\": \"Sam\", \"mood\": \"happy\", \"age\": 41, \"date\": \"\"}\n```"
	vars, err := ParseExtraction(content, []string{"name", "age", "date"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "Sam", "age": "41"}, vars)
}

func TestParseExtraction_Coercion(t *testing.T) {
	vars, err := ParseExtraction(`{"ok": true, "n": 3.50, "tags": ["a","b"], "none": null}`, []string{"ok", "n", "tags", "none"})
	require.NoError(t, err)
	assert.Equal(t, "true", vars["ok"])
	assert.Equal(t, "3.50", vars["n"])
	assert.Equal(t, `["a","b"]`, vars["tags"])
	_, present := vars["none"]
	assert.False(t, present)
}

func TestParseExtraction_Malformed(t *testing.T) {
	inputs := []string{
		"",
		"Sure! The name is Sam.",
		`["Sam"]`,
		`{"name": "Sam"`,
		`{"name": "Sam"} {"date": "July 3"}`,
		"\xff\xfe",
		"{" + strings.Repeat(" ", maxContentLen) + "}",
	}
	for _, in := range inputs {
		vars, err := ParseExtraction(in, []string{"name"})
		assert.Error(t, err, "input %q", safeSnippet(in))
		assert.Empty(t, vars)
	}
}

func TestParseExtraction_LongValueKeepsWholeRunes(t *testing.T) {
	// two ASCII bytes shift the three-byte runes so the byte limit lands mid-rune
	long := "ab" + strings.Repeat("日", maxValueLen)
	vars, err := ParseExtraction(`{"note": "`+long+`"}`, []string{"note"})
	require.NoError(t, err)

	got := vars["note"]
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxValueLen)
	assert.Equal(t, maxValueLen-2, len(got))
	assert.True(t, strings.HasPrefix(long, got))
}
