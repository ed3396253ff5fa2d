package main

import "github.com/nfrund/listsync/cmd/listsync-cli/cmd"

func main() {
	cmd.Execute()
}
