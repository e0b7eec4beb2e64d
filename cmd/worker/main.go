package main

import (
	_ "time/tzdata"

	"github.com/0D1nn8502/ReadThatPDF/services/worker/cli"
)

func main() {
	cli.Execute()
}
