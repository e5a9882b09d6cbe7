// Package checklist reads a feature's TASKS.md to infer guard inputs the
// caller did not supply explicitly.
package checklist

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// FileName is the companion checklist inside a feature directory.
const FileName = "TASKS.md"

var (
	checkedItem   = regexp.MustCompile(`^\s*[-*] \[[xX]\] `)
	uncheckedItem = regexp.MustCompile(`^\s*[-*] \[ \] `)
	mdLink        = regexp.MustCompile(`\[[^\]]+\]\([^)]+\)`)
)

// Status summarizes the checklist section of one work package.
type Status struct {
	Found            bool
	SubtasksComplete bool
	EvidencePresent  bool
}

// Read scans the checklist for the section headed by wpID. A missing file or
// missing section yields Found=false; callers fall back to explicit inputs.
//
// Subtasks are complete when the section has at least one checkbox and none
// unchecked. Evidence is present when the section carries an "Evidence:" line
// with content or any markdown link.
func Read(featureDir, wpID string) (Status, error) {
	f, err := os.Open(filepath.Join(featureDir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Status{}, nil
		}
		return Status{}, err
	}
	defer f.Close()

	var st Status
	inSection := false
	checked, unchecked := 0, 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			if inSection {
				break
			}
			if strings.Contains(line, wpID) {
				inSection = true
				st.Found = true
			}
			continue
		}
		if !inSection {
			continue
		}
		switch {
		case checkedItem.MatchString(line):
			checked++
		case uncheckedItem.MatchString(line):
			unchecked++
		}
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "Evidence:"); ok && strings.TrimSpace(rest) != "" {
			st.EvidencePresent = true
		}
		if mdLink.MatchString(trimmed) {
			st.EvidencePresent = true
		}
	}
	if err := scanner.Err(); err != nil {
		return Status{}, err
	}
	st.SubtasksComplete = checked > 0 && unchecked == 0
	return st, nil
}
