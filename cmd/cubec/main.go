// Command cubec compiles semantic queries to SQL, serves the HTTP API and
// refreshes rollups.
package main

import (
	"os"

	"duck-semantic/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
