// Command depscheck enforces the module's layering: the codec and the
// reconciliation core must stay transport-agnostic, and the codec must
// not depend on any other package in the module.
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

const modulePrefix = "skirmish/client"

// coreGroups lists packages that must never import the listed targets.
var forbidden = map[string][]string{
	modulePrefix + "/internal/proto": {
		modulePrefix + "/internal",
		modulePrefix + "/logging",
	},
	modulePrefix + "/internal/registry": {
		modulePrefix + "/internal/transport",
		modulePrefix + "/internal/session",
	},
	modulePrefix + "/internal/reconcile": {
		modulePrefix + "/internal/transport",
		modulePrefix + "/internal/session",
	},
	modulePrefix + "/internal/outbox": {
		modulePrefix + "/internal/transport",
		modulePrefix + "/internal/session",
	},
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

	decoder := json.NewDecoder(bytes.NewReader(output))

	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
			os.Exit(1)
		}

		for source, targets := range forbidden {
			if pkg.ImportPath != source && !strings.HasPrefix(pkg.ImportPath, source+"/") {
				continue
			}
			for _, imp := range pkg.Imports {
				for _, target := range targets {
					if imp == target || strings.HasPrefix(imp, target+"/") {
						violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
					}
				}
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}
