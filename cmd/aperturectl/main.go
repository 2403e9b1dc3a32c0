// aperturectl: операторский CLI Aperture.
package main

import "github.com/manav2701/Aperture/internal/cli"

func main() {
	cli.Execute()
}
