package main

import "relayer-monitor/internal/cli"

func main() {
	cli.Execute()
}
