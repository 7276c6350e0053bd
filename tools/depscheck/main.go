// Command depscheck fails when a session core package imports a transport or
// HTTP framework. Only internal/net and the wiring packages may.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

type packageInfo struct {
	ImportPath string
	Imports    []string
}

var corePackages = []string{
	"./internal/session/...",
	"./internal/history/...",
	"./internal/reliable/...",
	"./internal/room/...",
	"./internal/validation/...",
	"./internal/coordinator/...",
}

var forbiddenPrefixes = []string{
	"github.com/gorilla/websocket",
	"github.com/gin-gonic/gin",
	"arena/server/internal/net/ws",
	"net/http",
}

func main() {
	args := append([]string{"list", "-json"}, corePackages...)
	cmd := exec.Command("go", args...)
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	violations, err := findViolations(bytes.NewReader(output))
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: %v\n", err)
		os.Exit(1)
	}

	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

// findViolations reads the concatenated JSON stream of `go list -json`.
func findViolations(r io.Reader) ([]string, error) {
	decoder := json.NewDecoder(r)

	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode package info: %w", err)
		}

		for _, imp := range pkg.Imports {
			if forbidden(imp) {
				violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
			}
		}
	}
	sort.Strings(violations)
	return violations, nil
}

func forbidden(imp string) bool {
	for _, prefix := range forbiddenPrefixes {
		if imp == prefix || strings.HasPrefix(imp, prefix+"/") {
			return true
		}
	}
	return false
}
