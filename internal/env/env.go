// Package env composes the extra environment handed to each child: the
// guardian-wide variables from config followed by the per-process entries,
// with ${VAR} references resolved.
package env

import (
	"os"
	"sort"
	"strings"
)

// Env holds the guardian-wide variables.
type Env struct {
	global map[string]string
	lookup func(string) (string, bool) // inherited environment
}

// New returns an Env with the given global KEY=VALUE pairs. Malformed
// entries and empty keys are ignored.
func New(global map[string]string) *Env {
	g := make(map[string]string, len(global))
	for k, v := range global {
		if k != "" {
			g[k] = v
		}
	}
	return &Env{global: g, lookup: os.LookupEnv}
}

// Compose returns the globals (sorted by key) followed by perProc, all in
// KEY=VALUE form. ${VAR} references are resolved against the globals and
// earlier per-process entries first, then the inherited environment.
// Unknown references expand to the empty string. The result is meant to be
// appended to the inherited environment, so later entries win.
func (e *Env) Compose(perProc []string) []string {
	vars := make(map[string]string, len(e.global)+len(perProc))
	resolve := func(s string) string {
		return os.Expand(s, func(k string) string {
			if v, ok := vars[k]; ok {
				return v
			}
			if v, ok := e.lookup(k); ok {
				return v
			}
			return ""
		})
	}

	keys := make([]string, 0, len(e.global))
	for k := range e.global {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys)+len(perProc))
	for _, k := range keys {
		v := resolve(e.global[k])
		vars[k] = v
		out = append(out, k+"="+v)
	}
	for _, kv := range perProc {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		v = resolve(v)
		vars[k] = v
		out = append(out, k+"="+v)
	}
	return out
}
