package main

import "chat-relay/internal/cli"

func main() {
	cli.Execute()
}
