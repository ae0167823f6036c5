package security

import (
	"errors"
	"strings"
)

// MaxPathLength bounds document paths
const MaxPathLength = 256

var (
	ErrInvalidPath = errors.New("invalid document path")
	ErrIsFolder    = errors.New("path names a folder")
)

// ValidateDocumentPath checks a path like /notes/todo.txt.
// Folders may use letters, digits and '-'. The file name may also use '.'
// and '_' but must not start with '.'. A trailing '/' names a folder.
func ValidateDocumentPath(path string) error {
	if len(path) < 2 || len(path) > MaxPathLength || path[0] != '/' {
		return ErrInvalidPath
	}

	parts := strings.Split(path[1:], "/")
	last := len(parts) - 1
	for _, folder := range parts[:last] {
		if !validFolder(folder) {
			return ErrInvalidPath
		}
	}
	if parts[last] == "" {
		return ErrIsFolder
	}
	if !validFile(parts[last]) {
		return ErrInvalidPath
	}
	return nil
}

func validFolder(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if !isAlphaNum(c) && c != '-' {
			return false
		}
	}
	return true
}

func validFile(name string) bool {
	if name[0] == '.' || strings.HasSuffix(name, ".oplog") {
		return false
	}
	for _, c := range name {
		if !isAlphaNum(c) && c != '-' && c != '.' && c != '_' {
			return false
		}
	}
	return true
}

func isAlphaNum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
