package smali

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// MethodStart marks the first line of a method region
	MethodStart = ".method"
	// MethodEnd marks the last line of a method region
	MethodEnd = ".end method"
)

// ErrMarkerNotFound is returned when no method marker exists in the scanned direction
var ErrMarkerNotFound = errors.New("method marker not found")

// ErrClassNotFound is returned when no smali file exists for a class
var ErrClassNotFound = errors.New("class not found")

// ReadLines reads a smali file into lines without trailing newlines
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}

// WriteLines writes lines back to a smali file, newline terminated
func WriteLines(path string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// FindMethodStart scans backward from index (exclusive) for the nearest .method line
func FindMethodStart(lines []string, index int) (int, error) {
	if index > len(lines) {
		index = len(lines)
	}
	for i := index - 1; i >= 0; i-- {
		if strings.Contains(lines[i], MethodStart) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no %s before line %d: %w", MethodStart, index, ErrMarkerNotFound)
}

// FindMethodEnd scans forward from index (exclusive) for the nearest .end method line
func FindMethodEnd(lines []string, index int) (int, error) {
	if index < -1 {
		index = -1
	}
	for i := index + 1; i < len(lines); i++ {
		if strings.Contains(lines[i], MethodEnd) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no %s after line %d: %w", MethodEnd, index, ErrMarkerNotFound)
}

// ReplaceMethodBody returns lines[:start+1] followed by newLines followed by
// lines[end:]. Both marker lines are kept; the input slice is not modified.
func ReplaceMethodBody(lines []string, start, end int, newLines []string) []string {
	out := make([]string, 0, start+1+len(newLines)+len(lines)-end)
	out = append(out, lines[:start+1]...)
	out = append(out, newLines...)
	out = append(out, lines[end:]...)
	return out
}

// FindAndReplaceLine replaces every occurrence of search in every line that
// contains it. Lines are rewritten in place and the slice is returned.
// Repeated calls are not idempotent when replace itself contains search.
func FindAndReplaceLine(lines []string, search, replace string) []string {
	if search == "" {
		return lines
	}
	for i, line := range lines {
		if strings.Contains(line, search) {
			lines[i] = strings.ReplaceAll(line, search, replace)
		}
	}
	return lines
}

// FindLine returns the index of the first line at or after from containing substr
func FindLine(lines []string, substr string, from int) (int, bool) {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(lines); i++ {
		if strings.Contains(lines[i], substr) {
			return i, true
		}
	}
	return -1, false
}

// FindMethod locates the region of the first method whose .method line
// contains signature, returning the indices of both marker lines.
func FindMethod(lines []string, signature string) (start, end int, err error) {
	for i, line := range lines {
		if strings.Contains(line, MethodStart) && strings.Contains(line, signature) {
			e, err := FindMethodEnd(lines, i)
			if err != nil {
				return -1, -1, err
			}
			return i, e, nil
		}
	}
	return -1, -1, fmt.Errorf("method %q: %w", signature, ErrMarkerNotFound)
}

// FindClassFile resolves a dotted class name (com.example.Foo) to its smali
// file under a decompiled root, searching smali/ and every smali_classesN/.
func FindClassFile(root, className string) (string, error) {
	pattern := "smali*/" + strings.ReplaceAll(className, ".", "/") + ".smali"

	hits, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("failed to search for class %s: %w", className, err)
	}
	if len(hits) == 0 {
		return "", fmt.Errorf("no smali file for %s under %s: %w", className, root, ErrClassNotFound)
	}
	return filepath.Join(root, filepath.FromSlash(hits[0])), nil
}
