package apktool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/schaermu/apkpatcher/internal/config"
	"github.com/schaermu/apkpatcher/internal/fetch"
	"github.com/schaermu/apkpatcher/internal/manifest"
	"github.com/schaermu/apkpatcher/internal/testutil"
)

// fakeRunner records commands instead of executing them
type fakeRunner struct {
	calls  [][]string
	output string
	failOn string
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.failOn != "" && name == f.failOn {
		return []byte("boom"), errors.New("exit status 1")
	}
	return []byte(f.output), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Folders: config.Folders{Tools: t.TempDir()},
		Toolchain: config.Toolchain{
			Java:         "java",
			Apktool:      "apktool.jar",
			Zipalign:     "zipalign",
			Apksigner:    "apksigner",
			Keystore:     "/keys/release.jks",
			KeyAlias:     "release",
			PasswordFile: "/keys/pass",
		},
	}
}

func TestShellClient_DecompileCompile(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeRunner{}
	c := NewShellClient(cfg)
	c.run = fake.run

	ctx := context.Background()
	if err := c.Decompile(ctx, "apks/app.apk", "decompiled"); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "out", "app-patched.apk")
	if err := c.Compile(ctx, "decompiled", out); err != nil {
		t.Fatal(err)
	}

	jar := filepath.Join(cfg.Folders.Tools, "apktool.jar")
	want := []string{
		"java -jar " + jar + " d -f -o decompiled apks/app.apk",
		"java -jar " + jar + " b -f -o " + out + " decompiled",
	}
	for i, w := range want {
		if got := strings.Join(fake.calls[i], " "); got != w {
			t.Errorf("call %d = %q, want %q", i, got, w)
		}
	}
	if _, err := os.Stat(filepath.Dir(out)); err != nil {
		t.Errorf("output directory not created: %v", err)
	}
}

func TestShellClient_Sign(t *testing.T) {
	cfg := testConfig(t)
	// a downloaded zipalign wins over PATH
	localZipalign := filepath.Join(cfg.Folders.Tools, "zipalign")
	if err := os.WriteFile(localZipalign, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	fake := &fakeRunner{}
	c := NewShellClient(cfg)
	c.run = fake.run

	if err := c.Sign(context.Background(), "out/app-patched.apk"); err != nil {
		t.Fatal(err)
	}

	if len(fake.calls) != 2 {
		t.Fatalf("expected 2 calls, got %v", fake.calls)
	}
	if got := strings.Join(fake.calls[0], " "); got != localZipalign+" -p -f 4 out/app-patched.apk out/app-patched-aligned.apk" {
		t.Errorf("zipalign call = %q", got)
	}
	want := "apksigner sign --ks /keys/release.jks --ks-key-alias release --ks-pass file:/keys/pass --out out/app-patched.apk out/app-patched-aligned.apk"
	if got := strings.Join(fake.calls[1], " "); got != want {
		t.Errorf("apksigner call = %q", got)
	}
}

func TestShellClient_SignErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Toolchain.Keystore = ""
	c := NewShellClient(cfg)
	c.run = (&fakeRunner{}).run
	if err := c.Sign(context.Background(), "a.apk"); err == nil {
		t.Error("expected error without keystore")
	}

	cfg = testConfig(t)
	fake := &fakeRunner{failOn: "zipalign"}
	c = NewShellClient(cfg)
	c.run = fake.run
	if err := c.Sign(context.Background(), "a.apk"); err == nil {
		t.Error("expected zipalign failure")
	}
	if len(fake.calls) != 1 {
		t.Errorf("apksigner must not run after zipalign failed: %v", fake.calls)
	}
}

func TestCheckJava(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantErr bool
	}{
		{name: "java 8", output: `java version "1.8.0_381"` + "\nJava(TM) SE Runtime Environment"},
		{name: "openjdk 17", output: `openjdk version "17.0.8" 2023-07-18`},
		{name: "openjdk 21 no minor", output: `openjdk version "21" 2023-09-19`},
		{name: "java 7", output: `java version "1.7.0_80"`, wantErr: true},
		{name: "garbage", output: "command not understood", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeRunner{output: tt.output}
			line, err := checkJava(context.Background(), fake.run, "java")
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkJava() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && strings.Contains(line, "\n") {
				t.Errorf("expected only the first line, got %q", line)
			}
		})
	}

	fake := &fakeRunner{failOn: "java"}
	if _, err := checkJava(context.Background(), fake.run, "java"); err == nil {
		t.Error("expected error when java cannot run")
	}
}

func TestReadInfo(t *testing.T) {
	dir := t.TempDir()
	yml := `!!brut.androlib.meta.MetaInfo
apkFileName: app.apk
sdkInfo:
  minSdkVersion: '21'
  targetSdkVersion: 34
versionInfo:
  versionCode: '8123'
  versionName: 8.2.1
`
	if err := os.WriteFile(filepath.Join(dir, "apktool.yml"), []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	xmlDoc := `<?xml version="1.0" encoding="utf-8" standalone="no"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example.app">
  <application android:label="Example"/>
</manifest>`
	if err := os.WriteFile(filepath.Join(dir, "AndroidManifest.xml"), []byte(xmlDoc), 0644); err != nil {
		t.Fatal(err)
	}

	info, err := ReadInfo(dir)
	if err != nil {
		t.Fatalf("ReadInfo: %v", err)
	}

	want := Info{PackageName: "com.example.app", VersionName: "8.2.1", VersionCode: 8123, MinSDK: 21, TargetSDK: 34}
	if *info != want {
		t.Errorf("ReadInfo() = %+v, want %+v", *info, want)
	}
}

func TestReadInfo_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadInfo(dir); err == nil {
		t.Error("expected error without apktool.yml")
	}

	if err := os.WriteFile(filepath.Join(dir, "apktool.yml"), []byte("versionInfo:\n  versionCode: abc\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadInfo(dir); err == nil {
		t.Error("expected error for non-numeric version code")
	}
}

// toolClient serves tool downloads for EnsureTools
type toolClient struct {
	downloads []string
	fail      bool
}

func (c *toolClient) Manifest(context.Context, string) (*manifest.RepoManifest, error) {
	return nil, errors.New("not used")
}

func (c *toolClient) Download(_ context.Context, url, dest string) (int64, error) {
	if c.fail {
		return 0, &fetch.StatusError{URL: url, StatusCode: 404}
	}
	c.downloads = append(c.downloads, url)
	return 3, os.WriteFile(dest, []byte("bin"), 0644)
}

func TestEnsureTools(t *testing.T) {
	cfg := testConfig(t)
	cfg.Folders.Tools = filepath.Join(t.TempDir(), "tools")
	cfg.Tools = []config.Tool{
		{Tool: "apktool.jar", URL: "https://example.com/apktool.jar"},
		{Tool: "zipalign", URL: "https://example.com/zipalign", OS: []string{runtime.GOOS}},
		{Tool: "other-os", URL: "https://example.com/other", OS: []string{"not-" + runtime.GOOS}},
	}

	client := &toolClient{}
	if err := EnsureTools(context.Background(), cfg, client, testutil.Logger()); err != nil {
		t.Fatalf("EnsureTools: %v", err)
	}
	if len(client.downloads) != 2 {
		t.Errorf("expected 2 downloads, got %v", client.downloads)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(cfg.Folders.Tools, "zipalign"))
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm()&0100 == 0 {
			t.Errorf("tool not executable: %v", info.Mode())
		}
	}

	// second run finds everything in place
	client.downloads = nil
	if err := EnsureTools(context.Background(), cfg, client, testutil.Logger()); err != nil {
		t.Fatal(err)
	}
	if len(client.downloads) != 0 {
		t.Errorf("expected no downloads, got %v", client.downloads)
	}
}

func TestEnsureTools_DownloadFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools = []config.Tool{
		{Tool: "a.jar", URL: "https://example.com/a.jar"},
		{Tool: "b.jar", URL: "https://example.com/b.jar"},
	}

	err := EnsureTools(context.Background(), cfg, &toolClient{fail: true}, testutil.Logger())
	if !errors.Is(err, fetch.ErrUnreachable) {
		t.Fatalf("expected joined unreachable error, got %v", err)
	}
	if !strings.Contains(err.Error(), "a.jar") || !strings.Contains(err.Error(), "b.jar") {
		t.Errorf("every failing tool should be reported: %v", err)
	}
}
