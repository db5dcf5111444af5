// Command orb inspects databases and compiles schema files through the orb
// dialects.
package main

import (
	"os"

	_ "github.com/orb-framework/orb-sub003/mysql"
	_ "github.com/orb-framework/orb-sub003/postgres"
	_ "github.com/orb-framework/orb-sub003/sqlite"
)

func main() {
	if err := newRootCommand(&rootOptions{}).Execute(); err != nil {
		os.Exit(1)
	}
}
