package testutil

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// FileLineNumber is a source position; it formats as a prefix for test failures.
type FileLineNumber struct {
	File string
	Line int
}

func (fln FileLineNumber) String() string {
	if fln.File == "" || fln.Line == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d: ", filepath.Base(fln.File), fln.Line)
}

// CallerFileLineNumber returns the position skip frames above the function calling it.
func CallerFileLineNumber(skip int) FileLineNumber {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return FileLineNumber{}
	}
	return FileLineNumber{File: file, Line: line}
}
