package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "reports")
	outside := filepath.Join(tmp, "elsewhere")
	for _, d := range []string{safe, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
	}
	link := filepath.Join(safe, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in dir", filepath.Join(safe, "summary.json"), false},
		{"not yet created subdir", filepath.Join(safe, "tm", "new", "report.html"), false},
		{"dot dot escape", filepath.Join(safe, "..", "elsewhere", "x"), true},
		{"relative escape", "../../../etc/passwd", true},
		{"absolute outside", "/etc/passwd", true},
		{"through symlink", filepath.Join(link, "x.geojson"), true},
		{"symlink itself", link, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safe)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePathWithinDirectory(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPathEscapes) {
				t.Errorf("error %v does not wrap ErrPathEscapes", err)
			}
		})
	}

	if err := ValidatePathWithinDirectory(filepath.Join(tmp, "x"), filepath.Join(tmp, "missing")); err == nil {
		t.Error("expected error for a missing directory")
	}
}

func TestValidateOutputPath(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()

	if err := ValidateOutputPath(filepath.Join(b, "out.geojson"), a, b); err != nil {
		t.Errorf("path in second dir rejected: %v", err)
	}
	if err := ValidateOutputPath("/etc/passwd", a, b); !errors.Is(err, ErrPathEscapes) {
		t.Errorf("error = %v, want ErrPathEscapes", err)
	}
	if err := ValidateOutputPath(filepath.Join(os.TempDir(), "conflation-report")); err != nil {
		t.Errorf("temp dir rejected by default: %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"state-roads_2024.v2", "state-roads_2024.v2"},
		{"../../etc/passwd", "etc_passwd"},
		{"traffic map / north", "traffic_map_north"},
		{"", "unknown"},
		{"...", "unknown"},
		{"ünïcode", "n_code"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
