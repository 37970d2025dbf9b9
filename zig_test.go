package projector_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/shockpkg/projector"
)

type zigTarget struct {
	target    string
	zig       string
	fileProbe string
	opts      projector.Options
	movie     bool
}

var zigTargets = []zigTarget{
	{target: "linux-i386", zig: "x86-linux-gnu", fileProbe: "Intel 80386", opts: projector.Options{Title: "Test Movie"}, movie: true},
	{target: "linux-x86_64", zig: "x86_64-linux-gnu", fileProbe: "x86-64", opts: projector.Options{Title: "Test Movie"}, movie: true},
	{target: "mac", zig: "x86_64-macos", fileProbe: "x86_64", opts: projector.Options{RemoveSignature: true}},
	{target: "windows-i386", zig: "x86-windows-gnu", fileProbe: "Intel 80386", movie: true},
	{target: "windows-x86_64", zig: "x86_64-windows-gnu", fileProbe: "x86-64", movie: true},
}

// TestZigPlayers builds a small C program for every target and runs it
// through Build, checking the result with file(1). The Linux player is
// executed when the host can run it.
func TestZigPlayers(t *testing.T) {
	requireCommand(t, "zig")
	requireCommand(t, "file")

	outDir := t.TempDir()
	for _, target := range zigTargets {
		t.Run(target.target, func(t *testing.T) {
			player := buildZigPlayer(t, outDir, target.zig)
			var movie []byte
			if target.movie {
				movie = testMovie
			}
			out := mustBuild(t, target.target, player, movie, target.opts)

			path := filepath.Join(outDir, target.target+".projector")
			if err := os.WriteFile(path, out, 0o755); err != nil {
				t.Fatalf("write %s: %v", path, err)
			}
			fileOut := runCmd(t, "file", path)
			if !strings.Contains(fileOut, target.fileProbe) {
				t.Fatalf("unexpected architecture probe for %s: want substring %q, got %q", path, target.fileProbe, fileOut)
			}
			if target.movie {
				if got, ok := projector.SplicedMovie(out); !ok || !bytes.Equal(got, testMovie) {
					t.Fatalf("spliced movie missing from %s", path)
				}
			}

			if target.target == "linux-x86_64" && runtime.GOOS == "linux" && runtime.GOARCH == "amd64" {
				if got := strings.TrimSpace(runCmd(t, path)); got != target.opts.Title {
					t.Fatalf("patched player printed %q", got)
				}
			}
		})
	}
}

func buildZigPlayer(t *testing.T, outDir string, target string) []byte {
	t.Helper()

	outputPath := filepath.Join(outDir, "player_"+target)
	sourcePath := filepath.Join("testdata", "c", "player.c")

	cmd := exec.Command("zig", "cc", "-target", target, "-O1", "-g0", "-o", outputPath, sourcePath)
	cmd.Env = append(
		os.Environ(),
		"ZIG_GLOBAL_CACHE_DIR="+filepath.Join(os.TempDir(), "projector-zig-global-cache"),
		"ZIG_LOCAL_CACHE_DIR="+filepath.Join(os.TempDir(), "projector-zig-local-cache"),
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build player target=%s: %v\n%s", target, err, output)
	}

	// Zig names windows executables with an .exe suffix.
	if _, err := os.Stat(outputPath); os.IsNotExist(err) {
		outputPath += ".exe"
	}
	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read %s: %v", outputPath, err)
	}
	return data
}

func runCmd(t *testing.T, name string, args ...string) string {
	t.Helper()

	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %s failed: %v\n%s", name, strings.Join(args, " "), err, output)
	}
	return string(output)
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}
