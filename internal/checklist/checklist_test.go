package checklist_test

import (
	"os"
	"path/filepath"
	"testing"

	"laneline/internal/checklist"
)

func writeTasks(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, checklist.FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMissingFile(t *testing.T) {
	st, err := checklist.Read(t.TempDir(), "wp-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Found {
		t.Fatal("found a section without a checklist file")
	}
}

func TestMissingSection(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, "# Tasks\n\n## wp-2\n\n- [x] something\n")
	st, err := checklist.Read(dir, "wp-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Found {
		t.Fatal("wrong section matched")
	}
}

func TestRead(t *testing.T) {
	tests := []struct {
		name    string
		section string
		want    checklist.Status
	}{
		{
			name:    "all checked with evidence line",
			section: "- [x] write parser\n- [X] review notes\nEvidence: PR-12\n",
			want:    checklist.Status{Found: true, SubtasksComplete: true, EvidencePresent: true},
		},
		{
			name:    "unchecked item blocks completion",
			section: "- [x] write parser\n- [ ] update docs\n",
			want:    checklist.Status{Found: true},
		},
		{
			name:    "no checkboxes means incomplete",
			section: "some prose only\n",
			want:    checklist.Status{Found: true},
		},
		{
			name:    "markdown link counts as evidence",
			section: "- [x] done\nSee [the run](https://ci.example.com/42).\n",
			want:    checklist.Status{Found: true, SubtasksComplete: true, EvidencePresent: true},
		},
		{
			name:    "bare evidence label is not evidence",
			section: "- [x] done\nEvidence:\n",
			want:    checklist.Status{Found: true, SubtasksComplete: true},
		},
		{
			name:    "star bullets work too",
			section: "* [x] one\n* [x] two\n",
			want:    checklist.Status{Found: true, SubtasksComplete: true},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTasks(t, dir, "# Tasks\n\n## wp-1\n\n"+tc.section)
			st, err := checklist.Read(dir, "wp-1")
			if err != nil {
				t.Fatal(err)
			}
			if st != tc.want {
				t.Fatalf("got %+v, want %+v", st, tc.want)
			}
		})
	}
}

func TestSectionEndsAtNextHeading(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, `# Tasks

## wp-1

- [x] finished work

## wp-2

- [ ] other package's open item
Evidence: PR-99
`)
	st, err := checklist.Read(dir, "wp-1")
	if err != nil {
		t.Fatal(err)
	}
	want := checklist.Status{Found: true, SubtasksComplete: true}
	if st != want {
		t.Fatalf("got %+v, want %+v (leaked from the next section)", st, want)
	}
}
