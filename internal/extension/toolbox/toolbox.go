// Package toolbox is a small built-in extension module used by the sample
// catalog and the engine's own tests: echo, a cooperative sleep, and a
// panel entry point that demonstrates presentation-handle passthrough.
package toolbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/opkit/internal/extension"
)

// ModuleName is the symbolic reference used in action descriptors.
const ModuleName = "toolbox"

type module struct{}

// New is the registry factory for the toolbox module.
func New() (any, error) {
	return module{}, nil
}

func (module) EntryPoints() map[string]extension.EntryPoint {
	return map[string]extension.EntryPoint{
		"echo":  echo,
		"sleep": sleep,
		"panel": panel,
	}
}

func echo(_ context.Context, params map[string]string) (*extension.Result, error) {
	text := params["text"]
	if text == "" {
		return &extension.Result{}, nil
	}
	return &extension.Result{Output: strings.Split(text, "\n")}, nil
}

// sleep waits for the requested duration or until the context is cancelled,
// whichever comes first.
func sleep(ctx context.Context, params map[string]string) (*extension.Result, error) {
	d, err := time.ParseDuration(params["duration"])
	if err != nil {
		return nil, fmt.Errorf("bad duration %q: %w", params["duration"], err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &extension.Result{Output: []string{"slept " + d.String()}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Panel is the opaque surface descriptor returned by the panel entry point.
// The engine never looks inside it; only the UI collaborator does.
type Panel struct {
	Title string
	Body  string
}

func panel(_ context.Context, params map[string]string) (*extension.Result, error) {
	return &extension.Result{
		Output: []string{"panel ready"},
		Handle: &Panel{Title: params["title"], Body: params["body"]},
	}, nil
}
