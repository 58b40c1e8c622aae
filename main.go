package main

import (
	"github.com/foomo/restorestate/cmd"
)

func main() {
	cmd.Execute()
}
