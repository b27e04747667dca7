package main

import "github.com/vibast-solutions/ms-go-freeflow/cmd"

func main() {
	cmd.Execute()
}
