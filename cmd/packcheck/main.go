// The packcheck binary type-checks monitoring pack files without
// contacting any host: every pack named on the command line is parsed,
// merged and checked exactly the way the agent loads it. Exit codes:
// 0 when everything checks, 1 on usage or I/O failure, 2 when type
// errors are present.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/northbeacon/agent/modules/etc"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <pack.json> [pack.json...]\n", os.Args[0])
		os.Exit(1)
	}

	// No plugin manager: protocol registration is a runtime concern,
	// the static checks (identifier resolution, query and field type
	// checks, hashability, merge conflicts) are what this tool is for.
	mgr := etc.NewManager()
	ctx := context.Background()

	typeErrors := 0
	for _, path := range os.Args[1:] {
		source, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		name, version := splitName(path)
		if err := mgr.LoadPkg(ctx, name, version, source, nil); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			typeErrors++
			continue
		}
		fmt.Printf("%s: ok\n", path)
	}

	if typeErrors > 0 {
		os.Exit(2)
	}
}

func splitName(path string) (string, string) {
	base := strings.TrimSuffix(filepath.Base(path), ".json")
	if i := strings.LastIndex(base, "-"); i > 0 && i < len(base)-1 {
		return base[:i], base[i+1:]
	}
	return base, "0"
}
