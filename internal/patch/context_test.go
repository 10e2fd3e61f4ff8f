package patch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestContextPath(t *testing.T) {
	root := t.TempDir()
	c := &Context{DecompiledDir: root}

	tests := []struct {
		rel     string
		wantErr bool
	}{
		{rel: "res/values/strings.xml"},
		{rel: "."},
		{rel: "res/../smali/a.smali"},
		{rel: "../outside", wantErr: true},
		{rel: "res/../../outside", wantErr: true},
		{rel: "/etc/passwd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			_, err := c.Path(tt.rel)
			if (err != nil) != tt.wantErr {
				t.Errorf("Path(%q) error = %v, wantErr %v", tt.rel, err, tt.wantErr)
			}
		})
	}
}

func TestCopyResource(t *testing.T) {
	resources := t.TempDir()
	decompiled := t.TempDir()

	if err := os.WriteFile(filepath.Join(resources, "icon.png"), []byte("PNG"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(resources, "layouts", "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(resources, "layouts", "sub", "main.xml"), []byte("<x/>"), 0644); err != nil {
		t.Fatal(err)
	}

	c := &Context{DecompiledDir: decompiled, resourcesDir: resources}

	if err := c.CopyResource("icon.png", "res/drawable/icon.png"); err != nil {
		t.Fatalf("CopyResource file: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(decompiled, "res", "drawable", "icon.png"))
	if err != nil || string(data) != "PNG" {
		t.Errorf("file not copied: %q, %v", data, err)
	}

	if err := c.CopyResource("layouts", "res/layout"); err != nil {
		t.Fatalf("CopyResource dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(decompiled, "res", "layout", "sub", "main.xml")); err != nil {
		t.Errorf("directory not copied: %v", err)
	}

	if err := c.CopyResource("icon.png", "../escape.png"); err == nil {
		t.Error("expected error for destination outside the tree")
	}
	if err := c.CopyResource("../icon.png", "res/icon.png"); err == nil {
		t.Error("expected error for resource name with path")
	}
	if err := c.CopyResource("missing.png", "res/missing.png"); err == nil {
		t.Error("expected error for missing resource")
	}
}

func TestClassFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "smali_classes3", "com", "example", "Foo.smali")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(".class Lcom/example/Foo;\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c := &Context{DecompiledDir: root}
	got, err := c.ClassFile("com.example.Foo")
	if err != nil {
		t.Fatalf("ClassFile: %v", err)
	}
	if got != path {
		t.Errorf("ClassFile() = %s, want %s", got, path)
	}
}
