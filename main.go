package main

import "github.com/vibast-solutions/ms-go-account-notifications/cmd"

func main() {
	cmd.Execute()
}
