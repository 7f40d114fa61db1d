package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnifiedDiff_Equal(t *testing.T) {
	assert.Equal(t, "", UnifiedDiff("a.txt", "x\ny\n", "x\ny\n"))
}

func TestUnifiedDiff_SingleChange(t *testing.T) {
	got := UnifiedDiff("a.txt", "one\ntwo\nthree\n", "one\nTWO\nthree\n")
	want := "--- a/a.txt\n+++ b/a.txt\n" +
		"@@ -1,3 +1,3 @@\n" +
		" one\n" +
		"-two\n" +
		"+TWO\n" +
		" three\n"
	assert.Equal(t, want, got)
}

func TestUnifiedDiff_CreateFromEmpty(t *testing.T) {
	got := UnifiedDiff("n.txt", "", "a\nb\n")
	assert.Equal(t, "--- a/n.txt\n+++ b/n.txt\n@@ -0,0 +1,2 @@\n+a\n+b\n", got)
}

func TestLineOps_TiesAdvanceOldSideFirst(t *testing.T) {
	ops := lineOps([]string{"a"}, []string{"b"})
	assert.Equal(t, []diffOp{{opDelete, "a"}, {opInsert, "b"}}, ops)
}

func TestLineOps_MinimalChanges(t *testing.T) {
	ops := lineOps([]string{"a", "b", "c", "d"}, []string{"a", "c", "d", "e"})
	changed := 0
	for _, op := range ops {
		if op.kind != opEqual {
			changed++
		}
	}
	assert.Equal(t, 2, changed)
}

func TestUnifiedDiff_SeparateHunks(t *testing.T) {
	var old, cur []string
	for i := 0; i < 20; i++ {
		old = append(old, string(rune('a'+i)))
	}
	cur = append(cur, old...)
	cur[1] = "X"
	cur[18] = "Y"

	got := UnifiedDiff("f", joinLines(old), joinLines(cur))
	assert.Contains(t, got, "@@ -1,5 +1,5 @@\n")
	assert.Contains(t, got, "@@ -16,5 +16,5 @@\n")
}

func joinLines(lines []string) string {
	s := ""
	for _, l := range lines {
		s += l + "\n"
	}
	return s
}
