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

// rule forbids packages under from importing anything under to.
type rule struct {
	from string
	to   string
}

const modulePath = "lockstep/server/"

// The coordinator sees transports and worlds only through its interfaces.
var rules = []rule{
	{from: "internal/coordinator", to: "internal/net/ws"},
	{from: "internal/coordinator", to: "internal/world"},
	{from: "internal/coordinator", to: "internal/app"},
	{from: "internal/net/proto", to: "internal/coordinator"},
	{from: "internal/world", to: "internal/coordinator"},
	{from: "logging", to: "internal/"},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	var packages []packageInfo
	decoder := json.NewDecoder(bytes.NewReader(output))
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
			os.Exit(1)
		}
		packages = append(packages, pkg)
	}

	if violations := check(packages, rules); len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func check(packages []packageInfo, rules []rule) []string {
	var violations []string
	for _, pkg := range packages {
		for _, r := range rules {
			if !strings.HasPrefix(pkg.ImportPath, modulePath+r.from) {
				continue
			}
			for _, imp := range pkg.Imports {
				if strings.HasPrefix(imp, modulePath+r.to) {
					violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
				}
			}
		}
	}
	sort.Strings(violations)
	return violations
}
