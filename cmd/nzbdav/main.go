package main

import "github.com/odz123/nzbdav/cmd/nzbdav/cmd"

func main() {
	cmd.Execute()
}
