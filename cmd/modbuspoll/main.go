// Package main provides modbuspoll, a polling client and daemon for Modbus
// devices over TCP, RTU and ASCII links.
package main

import (
	"fmt"
	"os"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR")+" "+err.Error())
		os.Exit(1)
	}
}
