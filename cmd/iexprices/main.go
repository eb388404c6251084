package main

import "iex-marketdata/internal/cli"

func main() {
	cli.Execute()
}
