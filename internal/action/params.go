package action

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mattjoyce/opkit/internal/task"
)

var placeholderPattern = regexp.MustCompile(`\{(\d+)\}`)

// ResolveArgs substitutes positional placeholders {1}..{n} in the argument
// template with values from the ordered parameter list. A placeholder with
// no corresponding value is an error, never an empty string. Literal braces
// are written as {{ and }}.
func ResolveArgs(args, params []string) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		resolved, err := resolveArg(a, params)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

func resolveArg(s string, params []string) (string, error) {
	// Shield escaped braces from the placeholder pattern.
	s = strings.ReplaceAll(s, "{{", "\x00")
	s = strings.ReplaceAll(s, "}}", "\x01")

	var missing error
	s = placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		n, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil || n < 1 || n > len(params) {
			if missing == nil {
				missing = fmt.Errorf("%w: placeholder %s has no supplied value (%d given)",
					task.ErrMissingParameter, m, len(params))
			}
			return m
		}
		return params[n-1]
	})
	if missing != nil {
		return "", missing
	}

	s = strings.ReplaceAll(s, "\x00", "{")
	s = strings.ReplaceAll(s, "\x01", "}")
	return s, nil
}
