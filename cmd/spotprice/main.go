package main

import "spotprice-engine/internal/cli"

func main() {
	cli.Execute()
}
