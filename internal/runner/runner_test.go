package runner

import (
	"os"
	"testing"

	grrunner "github.com/inercia/go-restricted-runner/pkg/runner"
)

func TestToRunnerType(t *testing.T) {
	cases := map[string]grrunner.Type{
		"exec":         grrunner.TypeExec,
		"":             grrunner.TypeExec,
		"unknown":      grrunner.TypeExec,
		"sandbox-exec": grrunner.TypeSandboxExec,
		"firejail":     grrunner.TypeFirejail,
		"docker":       grrunner.TypeDocker,
	}
	for in, want := range cases {
		if got := toRunnerType(in); got != want {
			t.Errorf("toRunnerType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestToRunnerOptions(t *testing.T) {
	yes := true
	opts := toRunnerOptions(Options{
		AllowNetworking:  &yes,
		AllowReadFolders: []string{"${workspace}/src"},
	}, "/work")

	if v, ok := opts["allow_networking"].(bool); !ok || !v {
		t.Errorf("allow_networking = %v, want true", opts["allow_networking"])
	}
	folders, ok := opts["allow_read_folders"].([]string)
	if !ok || len(folders) != 1 || folders[0] != "/work/src" {
		t.Errorf("allow_read_folders = %v, want [/work/src]", opts["allow_read_folders"])
	}
	if _, ok := opts["allow_write_folders"]; ok {
		t.Error("allow_write_folders should be absent when unset")
	}
}

func TestToRunnerOptionsEmpty(t *testing.T) {
	opts := toRunnerOptions(Options{}, "/work")
	if len(opts) != 0 {
		t.Errorf("empty options produced %v", opts)
	}
}

func TestExpandFolders(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := expandFolders([]string{"${workspace}/a", "${home}/b", "/abs"}, "/ws")
	want := []string{"/ws/a", home + "/b", "/abs"}
	if len(got) != len(want) {
		t.Fatalf("expandFolders returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expandFolders[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
