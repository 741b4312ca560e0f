// datafold is a schema-driven, content-addressed data store with a
// reactive transform layer.
package main

import (
	"os"

	"github.com/shiba4life/datafold/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
