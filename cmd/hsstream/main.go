package main

import "github.com/MikeSquared-Agency/hsstream/internal/cli"

func main() {
	cli.Execute()
}
