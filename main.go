package main

import "github.com/sap-gg/renderbox/cmd"

func main() {
	cmd.Execute()
}
