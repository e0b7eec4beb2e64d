package main

import (
	_ "time/tzdata"

	"github.com/0D1nn8502/ReadThatPDF/services/api/cli"
)

func main() {
	cli.Execute()
}
