package diff

import (
	"strconv"
	"strings"

	"github.com/IITvamp/cmux/internal/controlplane"
)

// ParsedFile is one file section of a unified diff.
type ParsedFile struct {
	Path      string
	OldPath   string
	Status    controlplane.FileDiffStatus
	Additions int
	Deletions int
	IsBinary  bool
	Patch     string
}

// Parse splits a unified diff into per-file records. Aggressive-capture
// output has no "diff --git" headers and yields an empty slice.
func Parse(patch string) []ParsedFile {
	var files []ParsedFile
	for _, section := range splitSections(patch) {
		if !strings.HasPrefix(section, "diff --git ") {
			continue
		}
		files = append(files, parseSection(section))
	}
	return files
}

func parseSection(section string) ParsedFile {
	lines := strings.Split(section, "\n")
	header := lines[0]
	oldPath, newPath := headerPaths(header)

	file := ParsedFile{
		Path:    newPath,
		Status:  controlplane.FileModified,
		Patch:   section,
		OldPath: "",
	}

	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, "new file mode"):
			file.Status = controlplane.FileAdded
		case strings.HasPrefix(line, "deleted file mode"):
			file.Status = controlplane.FileDeleted
			file.Path = oldPath
		case strings.HasPrefix(line, "rename from "):
			file.Status = controlplane.FileRenamed
			file.OldPath = strings.TrimPrefix(line, "rename from ")
		case strings.HasPrefix(line, "rename to "):
			file.Path = strings.TrimPrefix(line, "rename to ")
		case strings.HasPrefix(line, "Binary files ") && strings.HasSuffix(line, " differ"):
			file.IsBinary = true
		case strings.HasPrefix(line, "--- a/"):
			// More reliable than the header when names contain spaces.
			if p := strings.TrimPrefix(line, "--- a/"); file.Status != controlplane.FileRenamed {
				if file.Status == controlplane.FileDeleted {
					file.Path = unquotePath(p)
				}
			}
		case strings.HasPrefix(line, "+++ b/"):
			if file.Status != controlplane.FileDeleted && file.Status != controlplane.FileRenamed {
				file.Path = unquotePath(strings.TrimPrefix(line, "+++ b/"))
			}
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			file.Additions++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			file.Deletions++
		}
	}

	if file.Path == "" {
		file.Path = newPath
	}
	return file
}

// headerPaths extracts the a/ and b/ paths from a "diff --git" header line,
// honoring quoted names and names containing spaces.
func headerPaths(line string) (oldPath, newPath string) {
	rest := strings.TrimPrefix(line, "diff --git ")

	// Quoted form: diff --git "a/with space" "b/with space"
	if strings.HasPrefix(rest, `"`) {
		parts := splitQuoted(rest)
		if len(parts) == 2 {
			return strings.TrimPrefix(parts[0], "a/"), strings.TrimPrefix(parts[1], "b/")
		}
	}

	if !strings.HasPrefix(rest, "a/") {
		return "", ""
	}
	body := rest[2:]

	// Identical paths (the overwhelmingly common case, including every path
	// containing " b/"): the line is "a/X b/X", so X is the symmetric half.
	if len(body) >= 3 && len(body)%2 == 1 {
		half := (len(body) - 3) / 2
		if body[half:half+3] == " b/" && body[:half] == body[half+3:] {
			return body[:half], body[:half]
		}
	}

	// Differing paths (renames): split on the first " b/".
	if idx := strings.Index(body, " b/"); idx != -1 {
		return body[:idx], body[idx+3:]
	}
	return body, body
}

// splitQuoted parses two double-quoted strings from s.
func splitQuoted(s string) []string {
	var parts []string
	for len(s) > 0 {
		start := strings.Index(s, `"`)
		if start == -1 {
			break
		}
		end := start + 1
		for end < len(s) {
			if s[end] == '\\' {
				end += 2
				continue
			}
			if s[end] == '"' {
				break
			}
			end++
		}
		if end >= len(s) {
			break
		}
		part, err := strconv.Unquote(s[start : end+1])
		if err != nil {
			part = s[start+1 : end]
		}
		parts = append(parts, part)
		s = s[end+1:]
	}
	return parts
}

func unquotePath(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, `"`) && strings.HasSuffix(p, `"`) {
		if unquoted, err := strconv.Unquote(p); err == nil {
			return unquoted
		}
	}
	return p
}
