package main

import "github.com/livinlefevreloca/ledgersync/internal/cli"

func main() {
	cli.Execute()
}
