// Package views maintains the human-readable mirrors of canonical status: a
// marked block inside the feature's STATUS.md and a lane key in each
// work-package file's front matter. Both are best-effort derived views; the
// event log stays authoritative when they fail or drift.
package views

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"laneline/internal/domain"
)

const (
	// StatusDoc is the tracking document inside a feature directory.
	StatusDoc = "STATUS.md"
	// BeginMarker and EndMarker bound the generated region of StatusDoc.
	BeginMarker = "<!-- laneline:begin -->"
	EndMarker   = "<!-- laneline:end -->"
	// WPSubdir holds the per-work-package markdown files.
	WPSubdir = "wps"
)

// WPDir returns the work-package file directory for a feature.
func WPDir(featureDir string) string {
	return filepath.Join(featureDir, WPSubdir)
}

// WPPath returns the markdown file path for one work package.
func WPPath(featureDir, wpID string) string {
	return filepath.Join(WPDir(featureDir), wpID+".md")
}

// UpdateAllViews regenerates the STATUS.md block and rewrites the lane front
// matter of every work-package file present in the snapshot. The first error
// is returned; callers on the write path treat it as non-fatal.
func UpdateAllViews(featureDir string, snap domain.StatusSnapshot) error {
	if err := updateStatusDoc(featureDir, snap); err != nil {
		return err
	}
	var firstErr error
	for wp, st := range snap.WorkPackages {
		if err := updateWPLane(featureDir, wp, st.Lane); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RenderStatusBlock renders the generated region content for a snapshot.
func RenderStatusBlock(snap domain.StatusSnapshot) string {
	var b strings.Builder
	b.WriteString(BeginMarker + "\n")
	fmt.Fprintf(&b, "| WP | Lane | Actor | Updated |\n|---|---|---|---|\n")
	ids := make([]string, 0, len(snap.WorkPackages))
	for wp := range snap.WorkPackages {
		ids = append(ids, wp)
	}
	sort.Strings(ids)
	for _, wp := range ids {
		st := snap.WorkPackages[wp]
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", wp, st.Lane, st.Actor, st.TransitionAt)
	}
	b.WriteString(EndMarker)
	return b.String()
}

func updateStatusDoc(featureDir string, snap domain.StatusSnapshot) error {
	path := filepath.Join(featureDir, StatusDoc)
	block := RenderStatusBlock(snap)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		content := fmt.Sprintf("# Status: %s\n\n%s\n", snap.Feature, block)
		return os.WriteFile(path, []byte(content), 0o644)
	}
	content := string(data)
	begin := strings.Index(content, BeginMarker)
	end := strings.Index(content, EndMarker)
	if begin < 0 || end < 0 || end < begin {
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += "\n" + block + "\n"
	} else {
		content = content[:begin] + block + content[end+len(EndMarker):]
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// ParseStatusBlock extracts the wp -> lane mapping from the generated region
// of STATUS.md. found is false when the document or the markers are absent.
func ParseStatusBlock(featureDir string) (map[string]string, bool, error) {
	data, err := os.ReadFile(filepath.Join(featureDir, StatusDoc))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	content := string(data)
	begin := strings.Index(content, BeginMarker)
	end := strings.Index(content, EndMarker)
	if begin < 0 || end < 0 || end < begin {
		return nil, false, nil
	}
	out := map[string]string{}
	for _, line := range strings.Split(content[begin+len(BeginMarker):end], "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") || strings.HasPrefix(line, "| WP") || strings.HasPrefix(line, "|--") {
			continue
		}
		cells := strings.Split(strings.Trim(line, "|"), "|")
		if len(cells) < 2 {
			continue
		}
		wp := strings.TrimSpace(cells[0])
		lane := strings.TrimSpace(cells[1])
		if wp != "" && wp != "---" {
			out[wp] = lane
		}
	}
	return out, true, nil
}

// updateWPLane rewrites only the lane key of a work-package file's front
// matter, leaving every other line untouched. Files without front matter or
// missing entirely are skipped; the lane view is best-effort.
func updateWPLane(featureDir, wpID string, lane domain.Lane) error {
	path := WPPath(featureDir, wpID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	front, body, ok := splitFrontMatter(string(data))
	if !ok {
		return nil
	}
	lines := strings.Split(front, "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "lane:") {
			lines[i] = "lane: " + string(lane)
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, "lane: "+string(lane))
	}
	out := "---\n" + strings.Join(lines, "\n") + "\n---\n" + body
	return os.WriteFile(path, []byte(out), 0o644)
}

// FrontLanes reads the lane key of every work-package file under wps/.
func FrontLanes(featureDir string) (map[string]string, error) {
	entries, err := os.ReadDir(WPDir(featureDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(WPDir(featureDir), entry.Name()))
		if err != nil {
			return nil, err
		}
		front, _, ok := splitFrontMatter(string(data))
		if !ok {
			continue
		}
		for _, line := range strings.Split(front, "\n") {
			if rest, found := strings.CutPrefix(strings.TrimSpace(line), "lane:"); found {
				out[strings.TrimSuffix(entry.Name(), ".md")] = strings.TrimSpace(rest)
				break
			}
		}
	}
	return out, nil
}

// splitFrontMatter splits "---\n...\n---\n" header metadata from the body.
func splitFrontMatter(content string) (front, body string, ok bool) {
	if !strings.HasPrefix(content, "---\n") {
		return "", "", false
	}
	rest := content[len("---\n"):]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", false
	}
	front = rest[:idx]
	body = rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return front, body, true
}
