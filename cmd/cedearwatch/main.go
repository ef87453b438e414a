package main

import "cedear-arbitrage/internal/cli"

func main() {
	cli.Execute()
}
