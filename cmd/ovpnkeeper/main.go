package main

import "github.com/jmcleod/ovpnkeeper/cmd/ovpnkeeper/cmd"

func main() {
	cmd.Execute()
}
