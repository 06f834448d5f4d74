package doctor

import (
	"testing"
)

func TestParseMajorMinor(t *testing.T) {
	tests := []struct {
		name      string
		ver       string
		wantMajor int
		wantMinor int
		wantErr   bool
	}{
		{"simple", "3.11", 3, 11, false},
		{"with patch", "3.11.4", 3, 11, false},
		{"major two", "2.7.18", 2, 7, false},
		{"single number", "3", 0, 0, true},
		{"empty", "", 0, 0, true},
		{"bad major", "abc.11", 0, 0, true},
		{"bad minor", "3.xyz", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			major, minor, err := parseMajorMinor(tt.ver)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseMajorMinor(%q) = (%d,%d,nil); want error", tt.ver, major, minor)
				}

				return
			}

			if err != nil {
				t.Fatalf("parseMajorMinor(%q) error: %v", tt.ver, err)
			}

			if major != tt.wantMajor || minor != tt.wantMinor {
				t.Fatalf("parseMajorMinor(%q) = (%d,%d); want (%d,%d)",
					tt.ver, major, minor, tt.wantMajor, tt.wantMinor)
			}
		})
	}
}

func TestCheckRuntimeVersion(t *testing.T) {
	tests := []struct {
		name    string
		ver     string
		api     uint32
		wantErr bool
	}{
		{"exact api", "1.23.0", 23, false},
		{"newer minor", "1.24.1", 23, false},
		{"no api floor", "1.16.3", 0, false},
		{"too old", "1.22.2", 23, true},
		{"major 2", "2.0.0", 23, true},
		{"not a version", "abc", 23, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkRuntimeVersion(tt.ver, tt.api)
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkRuntimeVersion(%q, %d) = %v; wantErr=%v", tt.ver, tt.api, err, tt.wantErr)
			}
		})
	}
}
