package refiner

import (
	"strings"
	"testing"

	"github.com/edisonhq/edison/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const promptBody = `You are a support assistant.
Answer the question below.
Be concise and accurate.
Question: {{question}}
Context: {{context}}`

func TestParseAndApply(t *testing.T) {
	diff := `--- a/prompt.txt
+++ b/prompt.txt
@@ -2,2 +2,3 @@
 Answer the question below.
-Be concise and accurate.
+Be concise, accurate, and cite the context.
+If the context is silent, say so.
`
	hunks, err := ParseDiff(diff)
	require.NoError(t, err)
	require.Len(t, hunks, 1)

	edited, err := ApplyDiff(promptBody, hunks)
	require.NoError(t, err)
	assert.Contains(t, edited, "cite the context")
	assert.Contains(t, edited, "If the context is silent")
	assert.Contains(t, edited, "{{question}}")
	assert.NotContains(t, edited, "Be concise and accurate.")
}

func TestApplyContextMismatch(t *testing.T) {
	diff := `@@ -1,1 +1,1 @@
-You are a pirate.
+You are a support assistant.
`
	hunks, err := ParseDiff(diff)
	require.NoError(t, err)

	_, err = ApplyDiff(promptBody, hunks)
	require.Error(t, err)
	assert.Equal(t, fault.DiffInvalid, fault.KindOf(err))
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		diff string
	}{
		{"no hunks", "just some text\n"},
		{"count mismatch", "@@ -1,2 +1,1 @@\n-You are a support assistant.\n+You are terse.\n"},
		{"garbage line", "@@ -1,1 +1,1 @@\n-You are a support assistant.\n+You are terse.\n*** weird\n"},
		{"wrong file", "--- a/main.go\n+++ b/main.go\n@@ -1,1 +1,1 @@\n-You are a support assistant.\n+You are terse.\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDiff(tt.diff)
			require.Error(t, err)
			assert.Equal(t, fault.DiffInvalid, fault.KindOf(err))
		})
	}
}

func TestApplyHunksOutOfOrder(t *testing.T) {
	diff := `@@ -4,1 +4,1 @@
-Question: {{question}}
+Q: {{question}}
@@ -1,1 +1,1 @@
-You are a support assistant.
+You are an assistant.
`
	hunks, err := ParseDiff(diff)
	require.NoError(t, err)
	_, err = ApplyDiff(promptBody, hunks)
	require.Error(t, err)
	assert.Equal(t, fault.DiffInvalid, fault.KindOf(err))
}

func TestFormatRoundTrip(t *testing.T) {
	diff := `--- a/prompt.txt
+++ b/prompt.txt
@@ -3,1 +3,1 @@
-Be concise and accurate.
+Be concise, accurate, and polite.
`
	hunks, err := ParseDiff(diff)
	require.NoError(t, err)

	reparsed, err := ParseDiff(FormatDiff(hunks))
	require.NoError(t, err)
	assert.Equal(t, hunks, reparsed)

	a, err := ApplyDiff(promptBody, hunks)
	require.NoError(t, err)
	b, err := ApplyDiff(promptBody, reparsed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPureInsertion(t *testing.T) {
	diff := `@@ -3,0 +4,1 @@
+Always greet the customer first.
`
	hunks, err := ParseDiff(diff)
	require.NoError(t, err)
	edited, err := ApplyDiff(promptBody, hunks)
	require.NoError(t, err)

	lines := strings.Split(edited, "\n")
	assert.Equal(t, "Always greet the customer first.", lines[3])
	assert.Equal(t, "Question: {{question}}", lines[4])
}
