// Package main provides the satchel CLI.
package main

import (
	"github.com/mesh-intelligence/satchel/internal/cli"
)

func main() {
	cli.Execute()
}
