package main

import "github.com/lopxy/lopxy/lopxy-srv/cli"

var version string

func main() {
	if version != "" {
		cli.Version = version
	}
	cli.Execute()
}
