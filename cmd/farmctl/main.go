package main

import "github.com/crabzie/fog-render-farm/cmd/farmctl/cli"

func main() {
	cli.Execute()
}
