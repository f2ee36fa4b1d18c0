package worker

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// fakeBzt installs a script standing in for bzt.
func fakeBzt(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "bzt")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunnerRun(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBzt(t, `grep -q "concurrency: 1" "$1" || exit 3
echo "bzt running $1"
cat > result.xml <<'XML'
`+finalStatsXML+`
XML`)

	var out bytes.Buffer
	r := &Runner{Bin: bin, Dir: dir, Output: &out}
	s, err := r.Run(context.Background(), validDef())
	if err != nil {
		t.Fatalf("Run: %v\noutput: %s", err, out.String())
	}

	if len(s.Groups) != 2 || s.Groups[0].Succeeded != 38 {
		t.Errorf("summary = %+v", s)
	}
	if !strings.Contains(out.String(), "bzt running "+filepath.Join(dir, configFile)) {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunnerBztFails(t *testing.T) {
	bin := fakeBzt(t, `echo "connection refused" >&2; exit 1`)

	r := &Runner{Bin: bin, Dir: t.TempDir()}
	_, err := r.Run(context.Background(), validDef())
	if err == nil || !strings.Contains(err.Error(), "status 1") {
		t.Errorf("err = %v, want exit status error", err)
	}
}

func TestRunnerNoResult(t *testing.T) {
	bin := fakeBzt(t, `exit 0`)

	r := &Runner{Bin: bin, Dir: t.TempDir()}
	if _, err := r.Run(context.Background(), validDef()); err == nil {
		t.Error("Run succeeded without a result dump")
	}
}

func TestRunnerMissingBinary(t *testing.T) {
	r := &Runner{Bin: "/nonexistent/bzt", Dir: t.TempDir()}
	_, err := r.Run(context.Background(), validDef())
	if err == nil || !strings.Contains(err.Error(), "run bzt") {
		t.Errorf("err = %v, want run error", err)
	}
}
