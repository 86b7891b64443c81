package strategy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Report is the outcome of validating a proposed change.
type Report struct {
	Valid   bool
	Errors  []string
	Files   int
	Added   int
	Removed int
}

// Summary renders the first validation errors on one line.
func (r Report) Summary() string {
	const maxShown = 3
	errs := r.Errors
	if len(errs) > maxShown {
		errs = append(errs[:maxShown:maxShown], fmt.Sprintf("and %d more", len(r.Errors)-maxShown))
	}
	return strings.Join(errs, "; ")
}

// Validator decides whether provider output is an applicable change.
type Validator interface {
	Validate(content string) Report
}

// DiffValidator accepts unified diffs: every file needs ---/+++ headers
// and at least one @@ hunk whose line counts match its header.
type DiffValidator struct{}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Validate implements Validator.
func (DiffValidator) Validate(content string) Report {
	lines := strings.Split(stripFences(content), "\n")
	var rep Report

	addErr := func(format string, args ...any) {
		rep.Errors = append(rep.Errors, fmt.Sprintf(format, args...))
	}

	var (
		inFile           bool
		fileHunks        int
		inHunk           bool
		hunkLine         int
		wantOld, wantNew int
		gotOld, gotNew   int
	)
	closeHunk := func() {
		if inHunk && (gotOld != wantOld || gotNew != wantNew) {
			addErr("hunk at line %d: header says -%d +%d, body has -%d +%d", hunkLine, wantOld, wantNew, gotOld, gotNew)
		}
		inHunk = false
	}
	closeFile := func() {
		closeHunk()
		if inFile && fileHunks == 0 {
			addErr("file %d has no hunks", rep.Files)
		}
		inFile = false
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		// Inside an unfinished hunk every line is body, even one starting with "---".
		if inHunk && (gotOld < wantOld || gotNew < wantNew) {
			switch {
			case strings.HasPrefix(line, "+"):
				gotNew++
				rep.Added++
			case strings.HasPrefix(line, "-"):
				gotOld++
				rep.Removed++
			case strings.HasPrefix(line, `\`):
			default:
				// Context line; models often drop the leading space on blank lines.
				gotOld++
				gotNew++
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ "):
			closeFile()
			rep.Files++
			inFile = true
			fileHunks = 0
			i++
		case strings.HasPrefix(line, "@@"):
			closeHunk()
			if !inFile {
				addErr("line %d: hunk outside a file", i+1)
				continue
			}
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil {
				addErr("line %d: malformed hunk header %q", i+1, line)
				continue
			}
			wantOld, wantNew = hunkCount(m[2]), hunkCount(m[4])
			gotOld, gotNew = 0, 0
			hunkLine = i + 1
			inHunk = true
			fileHunks++
		case inHunk && (strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-")):
			// Body lines past the header counts.
			if strings.HasPrefix(line, "+") {
				gotNew++
			} else {
				gotOld++
			}
		default:
			closeHunk()
		}
	}
	closeFile()

	if rep.Files == 0 {
		addErr("no file headers (--- / +++) found")
	}
	rep.Valid = len(rep.Errors) == 0
	return rep
}

func hunkCount(s string) int {
	if s == "" {
		return 1
	}
	n, _ := strconv.Atoi(s)
	return n
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSuffix(strings.TrimRight(s, "\n "), "```")
	return strings.TrimRight(s, "\n")
}
