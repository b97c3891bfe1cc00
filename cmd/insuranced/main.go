package main

import (
	"github.com/hakifi-nibiru/backend-nibiru/internal/cli"
)

func main() {
	cli.Execute()
}
