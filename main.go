package main

import "github.com/kubecoderun/kubecoderun/cmd"

func main() {
	cmd.Execute()
}
