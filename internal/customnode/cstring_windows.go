//go:build windows

package customnode

import "golang.org/x/sys/windows"

// CString returns a NUL-terminated copy of s in Go memory.
func CString(s string) (*byte, error) {
	return windows.BytePtrFromString(s)
}

// GoString copies a NUL-terminated string out of foreign memory.
func GoString(p *byte) string {
	if p == nil {
		return ""
	}
	return windows.BytePtrToString(p)
}
