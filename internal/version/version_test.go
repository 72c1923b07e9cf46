package version_test

import (
	"strings"
	"testing"

	v "github.com/keithlinneman/windowgate/internal/version"
)

func TestVCSDirtyTriState(t *testing.T) {
	t.Cleanup(func() { v.VCSDirty = nil })

	v.VCSDirty = nil
	info := v.Get()
	if info.VCSDirty != nil {
		t.Fatalf("VCSDirty = %v, want nil", info.VCSDirty)
	}

	trueVal := true
	v.VCSDirty = &trueVal
	info = v.Get()
	if info.VCSDirty == nil || *info.VCSDirty != true {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}

	falseVal := false
	v.VCSDirty = &falseVal
	info = v.Get()
	if info.VCSDirty == nil || *info.VCSDirty != false {
		t.Fatalf("VCSDirty = %v, want false", info.VCSDirty)
	}
}

func TestInfoString(t *testing.T) {
	dirty := true
	tests := []struct {
		name string
		info v.Info
		want string
	}{
		{
			name: "clean",
			info: v.Info{Version: "1.4.0", Commit: "0123456789abcdef0123", GoVersion: "go1.24.11"},
			want: "windowgate 1.4.0 (0123456789ab) go1.24.11",
		},
		{
			name: "dirty short commit",
			info: v.Info{Version: "dev", Commit: "none", VCSDirty: &dirty},
			want: "windowgate dev (none-dirty)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInfoString_StartsWithAppName(t *testing.T) {
	if got := v.Get().String(); !strings.HasPrefix(got, v.AppName+" ") {
		t.Fatalf("String() = %q, want prefix %q", got, v.AppName)
	}
}
