package main

import (
	"path/filepath"
	"strings"
	"testing"

	"lockbox/internal/testsupport"
)

func TestConfigInitValidateShow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	base := testsupport.BaseDir(cfg)
	t.Setenv("HOME", base)
	t.Setenv("LOCKBOX_API_TOKEN", "")
	socket := filepath.Join(base, "unused.sock")

	target := filepath.Join(base, "conf", "lockbox.toml")
	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, socket, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if !fileExists(target) {
		t.Fatalf("expected config file at %s", target)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, socket, ""); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}

	custom := filepath.Join(base, "custom.toml")
	testsupport.WriteFile(t, custom, "[paths]\nstate_dir = \""+cfg.Paths.StateDir+"\"\nlog_dir = \""+cfg.Paths.LogDir+"\"\napi_token = \"hunter2\"\n")

	out, _, err = runCLI(t, []string{"config", "validate"}, socket, custom)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Config path: "+custom)
	requireContains(t, out, "Configuration valid")

	out, _, err = runCLI(t, []string{"config", "show"}, socket, custom)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "[paths]")
	requireContains(t, out, redacted)
	if strings.Contains(out, "hunter2") {
		t.Fatal("config show leaked the api token")
	}

	testsupport.WriteFile(t, custom, "[lockbox]\nbogus = 1\n")
	if _, _, err := runCLI(t, []string{"config", "validate"}, socket, custom); err == nil {
		t.Fatal("expected unknown key to fail validation")
	}
}
