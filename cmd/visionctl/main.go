package main

import (
	"os"

	"visiond/internal/ctl"
)

func main() {
	os.Exit(ctl.Main())
}
