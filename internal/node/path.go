package node

import (
	"path"
	"strings"
)

// Canonicalize returns p as an absolute, cleaned repository path.
func Canonicalize(p string) string {
	return path.Clean("/" + p)
}

func Join(base, rel string) string {
	if rel == "" {
		return base
	}
	return path.Join(base, rel)
}

func Parent(p string) string {
	return path.Dir(p)
}

func Basename(p string) string {
	if p == "/" {
		return ""
	}
	return path.Base(p)
}

// Components splits a canonical path into its names; "/" has none.
func Components(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// IsAncestor reports whether a is p or one of p's ancestors.
func IsAncestor(a, p string) bool {
	if a == p || a == "/" {
		return true
	}
	return strings.HasPrefix(p, a+"/")
}

// IsChild reports whether p lies strictly below parent.
func IsChild(parent, p string) bool {
	return parent != p && IsAncestor(parent, p)
}

// SkipAncestor returns p relative to a, and false when a is not an
// ancestor of p.
func SkipAncestor(a, p string) (string, bool) {
	if !IsAncestor(a, p) {
		return "", false
	}
	if a == p {
		return "", true
	}
	if a == "/" {
		return strings.TrimPrefix(p, "/"), true
	}
	return p[len(a)+1:], true
}

// Compare orders paths component-wise, so that a parent sorts directly
// before its descendants: '/' sorts below every other byte.
func Compare(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ca, cb := a[i], b[i]
		if ca == cb {
			continue
		}
		if ca == '/' {
			return -1
		}
		if cb == '/' {
			return 1
		}
		if ca < cb {
			return -1
		}
		return 1
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func Less(a, b string) bool {
	return Compare(a, b) < 0
}
