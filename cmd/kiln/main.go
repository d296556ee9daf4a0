// Command kiln runs the kiln server and doubles as its command-line client.
package main

import (
	"os"

	"github.com/seantiz/kiln/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
