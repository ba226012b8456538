package main

import "labremote/cmd/labremote/command"

func main() {
	command.Execute()
}
