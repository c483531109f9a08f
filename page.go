package main

import (
	"bytes"
	"os"
	"strconv"
)

const contextSizeMarker = "$$REPLACEME_CONTEXT_SIZE"

// renderPage reads the template at path and replaces every occurrence of
// the context size marker.
func renderPage(path string, contextSize int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return bytes.ReplaceAll(data, []byte(contextSizeMarker), []byte(strconv.Itoa(contextSize))), nil
}
