package efs

import (
	"path"
	"strings"
)

// Clean returns the canonical absolute form of an EFS path.
func Clean(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Join resolves p against the working directory cwd.
func Join(cwd string, p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "/") {
		return Clean(p)
	}
	return Clean(path.Join(Clean(cwd), p))
}

func splitComponents(p string) []string {
	p = Clean(p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// within reports whether p is root itself or below it.
func within(root string, p string) bool {
	if root == "/" || root == p {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

func overlaps(a string, b string) bool {
	return within(a, b) || within(b, a)
}

func hasWildcard(component string) bool {
	return strings.Contains(component, "*")
}
