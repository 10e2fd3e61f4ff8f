package apktool

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Info is the app metadata of a decompiled tree
type Info struct {
	PackageName string
	VersionName string
	VersionCode int
	MinSDK      int
	TargetSDK   int
}

// apktoolYML mirrors the parts of apktool.yml we read. Numbers are often
// quoted by apktool, so they are decoded as strings.
type apktoolYML struct {
	SDKInfo struct {
		MinSDKVersion    string `yaml:"minSdkVersion"`
		TargetSDKVersion string `yaml:"targetSdkVersion"`
	} `yaml:"sdkInfo"`
	VersionInfo struct {
		VersionCode string `yaml:"versionCode"`
		VersionName string `yaml:"versionName"`
	} `yaml:"versionInfo"`
}

// ReadInfo reads version and SDK levels from apktool.yml and the package
// name from AndroidManifest.xml when present.
func ReadInfo(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, "apktool.yml"))
	if err != nil {
		return nil, fmt.Errorf("failed to read apktool.yml: %w", err)
	}

	// older apktool versions start with a Java class tag line
	if bytes.HasPrefix(data, []byte("!!")) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}

	var doc apktoolYML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse apktool.yml: %w", err)
	}

	info := &Info{VersionName: doc.VersionInfo.VersionName}
	for _, f := range []struct {
		name  string
		value string
		dest  *int
	}{
		{"versionCode", doc.VersionInfo.VersionCode, &info.VersionCode},
		{"minSdkVersion", doc.SDKInfo.MinSDKVersion, &info.MinSDK},
		{"targetSdkVersion", doc.SDKInfo.TargetSDKVersion, &info.TargetSDK},
	} {
		if f.value == "" {
			continue
		}
		n, err := strconv.Atoi(f.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q in apktool.yml", f.name, f.value)
		}
		*f.dest = n
	}

	pkg, err := readPackageName(filepath.Join(dir, "AndroidManifest.xml"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	info.PackageName = pkg

	return info, nil
}

func readPackageName(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var m struct {
		Package string `xml:"package,attr"`
	}
	if err := xml.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("failed to parse AndroidManifest.xml: %w", err)
	}
	return m.Package, nil
}
