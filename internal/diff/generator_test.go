package diff

import (
	"strings"
	"testing"
)

func TestUnifiedIdenticalContent(t *testing.T) {
	g := NewGenerator(3, false)
	result := g.Unified("same", "same", "a.lua")
	if result.UnifiedDiff != "" {
		t.Fatalf("expected empty diff, got %q", result.UnifiedDiff)
	}
	if result.FormatSummary() != "No changes" {
		t.Fatalf("unexpected summary %q", result.FormatSummary())
	}
}

func TestUnifiedSimpleChange(t *testing.T) {
	g := NewGenerator(3, false)
	oldContent := "line one\nline two\nline three"
	newContent := "line one\nline 2\nline three"

	result := g.Unified(oldContent, newContent, "a.lua")
	if result.AddedLines != 1 || result.DeletedLines != 1 {
		t.Fatalf("expected 1 added / 1 deleted, got %d/%d", result.AddedLines, result.DeletedLines)
	}
	for _, want := range []string{"--- a/a.lua", "+++ b/a.lua", "-line two", "+line 2", " line one"} {
		if !strings.Contains(result.UnifiedDiff, want) {
			t.Fatalf("diff missing %q:\n%s", want, result.UnifiedDiff)
		}
	}
}

func TestUnifiedBinaryContent(t *testing.T) {
	g := NewGenerator(3, false)
	result := g.Unified("ab\x00cd", "other", "blob.bin")
	if !result.IsBinary {
		t.Fatal("expected binary detection")
	}
	if result.FormatSummary() != "Binary file changed" {
		t.Fatalf("unexpected summary %q", result.FormatSummary())
	}
}

func TestApplyRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		oldText  string
		newText  string
	}{
		{
			name:    "single line change",
			oldText: "a\nb\nc\nd\ne",
			newText: "a\nb\nC\nd\ne",
		},
		{
			name:    "insertion at end",
			oldText: "print('Hi')\n",
			newText: "print('Hi')\nprint('Bye')\n",
		},
		{
			name:    "deletion at start",
			oldText: "one\ntwo\nthree\n",
			newText: "two\nthree\n",
		},
		{
			name:    "distant hunks",
			oldText: "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11\n12\n13\n14\n15",
			newText: "1x\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11\n12\n13\n14\n15x",
		},
		{
			name:    "replace everything",
			oldText: "old content",
			newText: "entirely\nnew\ncontent",
		},
	}

	g := NewGenerator(3, false)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patch := g.Unified(tc.oldText, tc.newText, "f.lua").UnifiedDiff
			got, err := Apply(tc.oldText, patch)
			if err != nil {
				t.Fatalf("apply failed: %v\npatch:\n%s", err, patch)
			}
			if got != tc.newText {
				t.Fatalf("round trip mismatch:\nwant %q\ngot  %q\npatch:\n%s", tc.newText, got, patch)
			}
		})
	}
}

func TestApplyRejectsMismatchedContext(t *testing.T) {
	g := NewGenerator(3, false)
	patch := g.Unified("a\nb\nc", "a\nB\nc", "f.lua").UnifiedDiff

	if _, err := Apply("completely\ndifferent\nfile", patch); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestApplyRejectsGarbage(t *testing.T) {
	if _, err := Apply("content", "not a patch at all"); err == nil {
		t.Fatal("expected error for patch without hunks")
	}
}

func TestColorizedOutputContainsEscapes(t *testing.T) {
	g := NewGenerator(1, true)
	result := g.Unified("a", "b", "f.lua")
	// color.New falls back to plain text when NO_COLOR is set, so only check
	// that the diff body survived colorization.
	if !strings.Contains(result.UnifiedDiff, "-a") || !strings.Contains(result.UnifiedDiff, "+b") {
		t.Fatalf("colorized diff lost content:\n%s", result.UnifiedDiff)
	}
}
