package diff

import (
	"path/filepath"
	"strings"
)

// excludedDirs are path segments whose contents never belong in a run diff.
var excludedDirs = []string{
	"node_modules",
	"dist",
	"build",
	".next",
	"out",
	".turbo",
	"coverage",
	".nyc_output",
	".cache",
	"logs",
}

// excludedFilePatterns are file-name globs excluded from staging and
// filtered out of captured output.
var excludedFilePatterns = []string{
	"*.lock",
	"*-lock.json",
	"*-lock.yaml",
	"pnpm-lock.yaml",
	"yarn.lock",
	"package-lock.json",
	"*.log",
	".DS_Store",
	"Thumbs.db",
	"*.min.js",
	"*.min.css",
	"*.map",
	".env.local",
	".env.*.local",
}

// stagePathspecs returns the pathspec arguments for `git add`, staging
// everything except the exclusions.
func stagePathspecs() []string {
	specs := []string{"--", "."}
	for _, dir := range excludedDirs {
		specs = append(specs, ":(exclude)"+dir, ":(exclude)**/"+dir+"/**")
	}
	for _, pat := range excludedFilePatterns {
		specs = append(specs, ":(exclude)"+pat, ":(exclude)**/"+pat)
	}
	return specs
}

// isExcludedPath reports whether a path matches the exclusion set. Used as
// defense in depth against wildcard expansion differences.
func isExcludedPath(path string) bool {
	clean := filepath.ToSlash(path)
	for _, segment := range strings.Split(clean, "/") {
		for _, dir := range excludedDirs {
			if segment == dir {
				return true
			}
		}
	}
	base := clean
	if idx := strings.LastIndex(clean, "/"); idx != -1 {
		base = clean[idx+1:]
	}
	for _, pat := range excludedFilePatterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}
