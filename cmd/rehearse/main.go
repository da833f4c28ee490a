package main

import "github.com/lukasbauer/rehearsal/internal/cli"

func main() {
	cli.Execute()
}
