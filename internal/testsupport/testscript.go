// Package testsupport holds helpers for cui's script tests.
package testsupport

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"
)

var (
	buildOnce sync.Once
	cuiPath   string
	buildErr  error
)

// BuildCUI builds the cui binary once and returns its path.
func BuildCUI(t testing.TB) string {
	t.Helper()

	buildOnce.Do(func() {
		moduleRoot, err := findModuleRoot()
		if err != nil {
			buildErr = err
			return
		}

		binDir, err := os.MkdirTemp("", "cui-bin-")
		if err != nil {
			buildErr = err
			return
		}

		cuiPath = filepath.Join(binDir, "cui")
		cmd := exec.Command("go", "build", "-o", cuiPath, "./cmd/cui")
		cmd.Dir = moduleRoot
		output, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build cui: %w: %s", err, strings.TrimSpace(string(output)))
		}
	})

	if buildErr != nil {
		t.Fatalf("%v", buildErr)
	}
	return cuiPath
}

// SetupScriptEnv puts cui and the script's fake condor tools on PATH and
// isolates HOME.
func SetupScriptEnv(t testing.TB, env *testscript.Env) error {
	t.Helper()

	cui := BuildCUI(t)
	bin := filepath.Join(env.WorkDir, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		return err
	}
	env.Setenv("PATH", bin+string(os.PathListSeparator)+filepath.Dir(cui)+string(os.PathListSeparator)+env.Getenv("PATH"))

	homeDir := filepath.Join(env.WorkDir, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return err
	}
	env.Setenv("HOME", homeDir)
	env.Setenv("CUI_CONFIG", "")
	env.Setenv("CUI_SERVER", "")
	return nil
}

// Commands returns the custom script commands.
func Commands() map[string]func(ts *testscript.TestScript, neg bool, args []string) {
	return map[string]func(ts *testscript.TestScript, neg bool, args []string){
		"exitcode":  CmdExitCode,
		"install":   CmdInstall,
		"linecount": CmdLineCount,
	}
}

// CmdExitCode runs a program and checks its exit status:
//
//	exitcode N prog args...
func CmdExitCode(ts *testscript.TestScript, neg bool, args []string) {
	if neg {
		ts.Fatalf("exitcode does not support negation")
	}
	if len(args) < 2 {
		ts.Fatalf("usage: exitcode N prog [args...]")
	}
	want, err := strconv.Atoi(args[0])
	if err != nil {
		ts.Fatalf("exitcode: bad status %q", args[0])
	}

	got := 0
	if err := ts.Exec(args[1], args[2:]...); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			ts.Fatalf("exitcode: run %s: %v", args[1], err)
		}
		got = exitErr.ExitCode()
	}
	if got != want {
		ts.Fatalf("%s exited %d, want %d", args[1], got, want)
	}
}

// CmdInstall copies a script file into $WORK/bin and makes it executable:
//
//	install FILE NAME
func CmdInstall(ts *testscript.TestScript, neg bool, args []string) {
	if neg {
		ts.Fatalf("install does not support negation")
	}
	if len(args) != 2 {
		ts.Fatalf("usage: install FILE NAME")
	}
	data := ts.ReadFile(args[0])
	dst := filepath.Join(ts.Getenv("WORK"), "bin", args[1])
	ts.Check(os.WriteFile(dst, []byte(data), 0o755))
}

// CmdLineCount checks how many lines of FILE contain TEXT:
//
//	linecount FILE TEXT N
func CmdLineCount(ts *testscript.TestScript, neg bool, args []string) {
	if neg {
		ts.Fatalf("linecount does not support negation")
	}
	if len(args) != 3 {
		ts.Fatalf("usage: linecount FILE TEXT N")
	}
	want, err := strconv.Atoi(args[2])
	if err != nil {
		ts.Fatalf("linecount: bad count %q", args[2])
	}
	got := 0
	for _, line := range strings.Split(ts.ReadFile(args[0]), "\n") {
		if strings.Contains(line, args[1]) {
			got++
		}
	}
	if got != want {
		ts.Fatalf("%s: %d lines contain %q, want %d", args[0], got, args[1], want)
	}
}

func findModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find module root (go.mod)")
		}
		dir = parent
	}
}
