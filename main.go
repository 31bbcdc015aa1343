package main

import "github.com/hashvault/ms-go-billing/cmd"

func main() {
	cmd.Execute()
}
