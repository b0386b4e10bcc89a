package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Only the braced form is expanded so that shell snippets in capability
// commands ($1, $HOME, awk fields) reach the shell untouched.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:?[-?])([^}]*))?\}`)

// expandEnv substitutes environment references in a config file before it is
// parsed:
//
//	${VAR}            value of VAR, empty when unset
//	${VAR:-fallback}  fallback when VAR is unset or empty
//	${VAR-fallback}   fallback only when VAR is unset
//	${VAR:?message}   error when VAR is unset or empty
//
// Every missing required variable is reported, not just the first.
func expandEnv(data []byte) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		name, op, arg := string(m[1]), string(m[2]), string(m[3])
		val, set := os.LookupEnv(name)
		switch op {
		case ":-":
			if val == "" {
				return []byte(arg)
			}
		case "-":
			if !set {
				return []byte(arg)
			}
		case ":?", "?":
			if val == "" && (op == ":?" || !set) {
				if arg == "" {
					arg = "required"
				}
				missing = append(missing, fmt.Sprintf("%s: %s", name, arg))
				return nil
			}
		}
		return []byte(val)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolved environment references: %s", strings.Join(missing, "; "))
	}
	return out, nil
}
