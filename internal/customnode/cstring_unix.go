//go:build unix

package customnode

import "golang.org/x/sys/unix"

// CString returns a NUL-terminated copy of s in Go memory.
func CString(s string) (*byte, error) {
	return unix.BytePtrFromString(s)
}

// GoString copies a NUL-terminated string out of foreign memory.
func GoString(p *byte) string {
	if p == nil {
		return ""
	}
	return unix.BytePtrToString(p)
}
