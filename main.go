package main

import "github.com/arcward/invitebroker/cmd"

func main() {
	cmd.Execute()
}
