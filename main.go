package main

import "github.com/madsdk/python-execution-environment/cmd"

func main() {
	cmd.Execute()
}
