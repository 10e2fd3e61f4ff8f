package smali

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

var sample = []string{
	".class public Lcom/example/Foo;",
	".super Ljava/lang/Object;",
	"",
	".method public isPremium()Z",
	"    .locals 1",
	"    const/4 v0, 0x0",
	"    return v0",
	".end method",
	"",
	".method public getName()Ljava/lang/String;",
	"    .locals 1",
	"    const-string v0, \"free\"",
	"    return-object v0",
	".end method",
}

func TestFindMethodStart(t *testing.T) {
	tests := []struct {
		name    string
		index   int
		want    int
		wantErr bool
	}{
		{name: "inside first body", index: 5, want: 3},
		{name: "on end marker", index: 7, want: 3},
		{name: "inside second body", index: 12, want: 9},
		{name: "exclusive of marker itself", index: 9, want: 3},
		{name: "before any method", index: 2, wantErr: true},
		{name: "index zero", index: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindMethodStart(sample, tt.index)
			if tt.wantErr {
				if !errors.Is(err, ErrMarkerNotFound) {
					t.Fatalf("expected ErrMarkerNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("FindMethodStart(%d) = %d, want %d", tt.index, got, tt.want)
			}
		})
	}
}

func TestFindMethodEnd(t *testing.T) {
	tests := []struct {
		name    string
		index   int
		want    int
		wantErr bool
	}{
		{name: "from start marker", index: 3, want: 7},
		{name: "inside body", index: 5, want: 7},
		{name: "exclusive of end marker", index: 7, want: 13},
		{name: "after last method", index: 13, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindMethodEnd(sample, tt.index)
			if tt.wantErr {
				if !errors.Is(err, ErrMarkerNotFound) {
					t.Fatalf("expected ErrMarkerNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("FindMethodEnd(%d) = %d, want %d", tt.index, got, tt.want)
			}
		})
	}
}

func TestReplaceMethodBody(t *testing.T) {
	lines := []string{".method m", "A", "B", ".end method"}
	got := ReplaceMethodBody(lines, 0, 3, []string{"X"})
	want := []string{".method m", "X", ".end method"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReplaceMethodBody() = %q, want %q", got, want)
	}

	// input untouched
	if !reflect.DeepEqual(lines, []string{".method m", "A", "B", ".end method"}) {
		t.Errorf("input slice was modified: %q", lines)
	}
}

func TestReplaceMethodBody_KeepsSurroundingLines(t *testing.T) {
	lines := append([]string(nil), sample...)
	start, end, err := FindMethod(lines, "isPremium()Z")
	if err != nil {
		t.Fatal(err)
	}

	body := []string{"    .locals 1", "    const/4 v0, 0x1", "    return v0"}
	got := ReplaceMethodBody(lines, start, end, body)

	if len(got) != len(sample) {
		t.Fatalf("expected %d lines, got %d", len(sample), len(got))
	}
	if got[3] != sample[3] || got[7] != sample[7] {
		t.Errorf("marker lines changed: %q / %q", got[3], got[7])
	}
	if got[5] != "    const/4 v0, 0x1" {
		t.Errorf("body not replaced: %q", got[5])
	}
	if !reflect.DeepEqual(got[8:], sample[8:]) {
		t.Errorf("lines after the method changed")
	}
}

func TestReplaceMethodBody_EmptyBody(t *testing.T) {
	got := ReplaceMethodBody([]string{".method m", "A", ".end method"}, 0, 2, nil)
	want := []string{".method m", ".end method"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFindAndReplaceLine(t *testing.T) {
	lines := []string{"foo foo", "bar", "xfoo"}
	got := FindAndReplaceLine(lines, "foo", "baz")
	want := []string{"baz baz", "bar", "xbaz"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FindAndReplaceLine() = %q, want %q", got, want)
	}
}

func TestFindAndReplaceLine_NotIdempotentWhenReplaceContainsSearch(t *testing.T) {
	lines := []string{"a"}
	lines = FindAndReplaceLine(lines, "a", "aa")
	lines = FindAndReplaceLine(lines, "a", "aa")
	if lines[0] != "aaaa" {
		t.Errorf("expected repeated expansion, got %q", lines[0])
	}
}

func TestFindMethod(t *testing.T) {
	start, end, err := FindMethod(sample, "getName()")
	if err != nil {
		t.Fatal(err)
	}
	if start != 9 || end != 13 {
		t.Errorf("FindMethod() = (%d, %d), want (9, 13)", start, end)
	}

	if _, _, err := FindMethod(sample, "missing()V"); !errors.Is(err, ErrMarkerNotFound) {
		t.Errorf("expected ErrMarkerNotFound, got %v", err)
	}
}

func TestFindLine(t *testing.T) {
	idx, ok := FindLine(sample, "return", 0)
	if !ok || idx != 6 {
		t.Errorf("FindLine() = (%d, %v), want (6, true)", idx, ok)
	}
	idx, ok = FindLine(sample, "return", 7)
	if !ok || idx != 12 {
		t.Errorf("FindLine(from 7) = (%d, %v), want (12, true)", idx, ok)
	}
	if _, ok := FindLine(sample, "nope", 0); ok {
		t.Error("expected no match")
	}
}

func TestReadWriteLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Foo.smali")
	if err := WriteLines(path, sample); err != nil {
		t.Fatal(err)
	}

	got, err := ReadLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, sample) {
		t.Errorf("round trip mismatch:\n got %q\nwant %q", got, sample)
	}
}

func TestFindClassFile(t *testing.T) {
	root := t.TempDir()
	second := filepath.Join(root, "smali_classes2", "com", "example")
	if err := os.MkdirAll(second, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(second, "Foo.smali"), []byte(".class Foo\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := FindClassFile(root, "com.example.Foo")
	if err != nil {
		t.Fatalf("FindClassFile: %v", err)
	}
	if want := filepath.Join(second, "Foo.smali"); got != want {
		t.Errorf("FindClassFile() = %s, want %s", got, want)
	}

	if _, err := FindClassFile(root, "com.example.Missing"); !errors.Is(err, ErrClassNotFound) {
		t.Errorf("expected ErrClassNotFound, got %v", err)
	}
}
