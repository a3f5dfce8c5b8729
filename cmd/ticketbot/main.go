package main

import "github.com/vietddude/ticketbot/internal/cli"

func main() {
	cli.Execute()
}
