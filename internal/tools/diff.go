package tools

import (
	"fmt"
	"strings"
)

const (
	diffContext = 3
	// Above this many LCS cells the diff degrades to replace-all.
	maxDiffCells = 4_000_000
)

type opKind int

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

type diffOp struct {
	kind opKind
	text string
}

// UnifiedDiff renders a unified-style line diff of oldText against newText.
// It returns "" when the contents are equal. The alignment minimises changed
// lines; on ties it advances through the old side first.
func UnifiedDiff(name, oldText, newText string) string {
	a, b := splitLines(oldText), splitLines(newText)
	ops := lineOps(a, b)

	changed := false
	for _, op := range ops {
		if op.kind != opEqual {
			changed = true
			break
		}
	}
	if !changed {
		return ""
	}

	// oldAt[k] and newAt[k] count the lines consumed before ops[k].
	oldAt := make([]int, len(ops)+1)
	newAt := make([]int, len(ops)+1)
	for k, op := range ops {
		oldAt[k+1], newAt[k+1] = oldAt[k], newAt[k]
		if op.kind != opInsert {
			oldAt[k+1]++
		}
		if op.kind != opDelete {
			newAt[k+1]++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", name, name)

	prevStop := 0
	i := 0
	for i < len(ops) {
		for i < len(ops) && ops[i].kind == opEqual {
			i++
		}
		if i >= len(ops) {
			break
		}
		start := max(prevStop, i-diffContext)
		last := i
		for j := i; j < len(ops); j++ {
			if ops[j].kind != opEqual {
				last = j
			} else if j-last > 2*diffContext {
				break
			}
		}
		stop := min(len(ops), last+diffContext+1)

		oldCount := oldAt[stop] - oldAt[start]
		newCount := newAt[stop] - newAt[start]
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n",
			hunkStart(oldAt[start], oldCount), oldCount,
			hunkStart(newAt[start], newCount), newCount)
		for _, op := range ops[start:stop] {
			switch op.kind {
			case opEqual:
				sb.WriteString(" ")
			case opDelete:
				sb.WriteString("-")
			case opInsert:
				sb.WriteString("+")
			}
			sb.WriteString(op.text)
			sb.WriteString("\n")
		}
		prevStop = stop
		i = stop
	}
	return sb.String()
}

func hunkStart(consumed, count int) int {
	if count == 0 {
		return consumed
	}
	return consumed + 1
}

// lineOps aligns a and b by longest common subsequence.
func lineOps(a, b []string) []diffOp {
	n, m := len(a), len(b)
	ops := make([]diffOp, 0, n+m)
	if n*m > maxDiffCells {
		for _, l := range a {
			ops = append(ops, diffOp{opDelete, l})
		}
		for _, l := range b {
			ops = append(ops, diffOp{opInsert, l})
		}
		return ops
	}

	// lcs[i][j] is the LCS length of a[i:] and b[j:].
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			ops = append(ops, diffOp{opEqual, a[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, diffOp{opDelete, a[i]})
			i++
		default:
			ops = append(ops, diffOp{opInsert, b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, diffOp{opDelete, a[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, diffOp{opInsert, b[j]})
	}
	return ops
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
