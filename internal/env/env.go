// Package env composes the environment handed to backend processes.
package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env holds gateway-wide variables layered on top of an optional OS base.
type Env struct {
	Var  Var // global variables (K->V)
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS uses the gateway's own environment as the base for every backend.
func (e *Env) FromOS() {
	e.base = ParsePairs(os.Environ())
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries as global variables.
func (e *Env) SetPairs(kvs []string) {
	for k, v := range ParsePairs(kvs) {
		e.Set(k, v)
	}
}

func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the environment of one backend: the base, then global
// variables, then perServer. ${VAR} references are expanded once against the
// composed map. The result is sorted by key.
func (e *Env) Merge(perServer map[string]string) []string {
	m := make(Var, len(e.base)+len(e.Var)+len(perServer))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range perServer {
		if k != "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		return m[k]
	})
}

// ParsePairs converts "K=V" entries into a map, skipping malformed ones.
func ParsePairs(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// LoadFile parses a simple .env file with KEY=VALUE lines. Blank lines and
// lines starting with # are ignored.
func LoadFile(path string) (Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
		}
	}
	return m, nil
}
