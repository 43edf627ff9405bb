package main

import "github.com/zapuskalka/companion/internal/cli"

func main() {
	cli.Execute()
}
