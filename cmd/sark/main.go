package main

import "github.com/sark-gateway/sark/cmd/sark/cmd"

func main() {
	cmd.Execute()
}
