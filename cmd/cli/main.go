package main

import "github.com/citymodel-pipeline/cmd/cli/cmd"

func main() {
	cmd.Execute()
}
