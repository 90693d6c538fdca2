package runner

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mattjoyce/opkit/internal/action"
)

// Invocation is a fully resolved process spawn request: argv, working
// directory and extra environment. All placeholder substitution has already
// happened by the time one exists.
type Invocation struct {
	Argv    []string
	WorkDir string
	Env     []string
}

// Build translates a command or script descriptor plus the ordered submit
// parameters into an Invocation. Script arguments go through positional
// placeholder resolution; an unresolved placeholder fails here, before any
// process is spawned.
func Build(d *action.Descriptor, params []string) (*Invocation, error) {
	inv := &Invocation{
		WorkDir: d.WorkDir,
		Env:     d.Env,
	}

	switch d.Kind {
	case action.KindCommand:
		inv.Argv = shellArgv(d.Command)
	case action.KindScript:
		args, err := action.ResolveArgs(d.Script.Args, params)
		if err != nil {
			return nil, err
		}
		inv.Argv = append(scriptArgv(d.Script.Path), args...)
	default:
		return nil, fmt.Errorf("kind %q is not a process invocation", d.Kind)
	}
	return inv, nil
}

// shellArgv wraps a literal command line in the platform shell.
func shellArgv(command string) []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/c", command}
	}
	return []string{"sh", "-c", command}
}

// scriptArgv picks the interpreter for a script file by suffix, mirroring
// how the desktop toolbox launched .bat/.ps1/.py/.vbs entries.
func scriptArgv(path string) []string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sh":
		return []string{"sh", path}
	case ".bash":
		return []string{"bash", path}
	case ".py":
		if runtime.GOOS == "windows" {
			return []string{"python", path}
		}
		return []string{"python3", path}
	case ".ps1":
		return []string{"powershell", "-ExecutionPolicy", "Bypass", "-File", path}
	case ".bat", ".cmd":
		return []string{"cmd", "/c", path}
	case ".vbs":
		return []string{"cscript", "//nologo", path}
	default:
		return []string{path}
	}
}
