package main

import (
	"github.com/ValentinKolb/tidewater/cmd"
	_ "github.com/ValentinKolb/tidewater/lib/engine/engines/grove"
)

func main() {
	cmd.Execute()
}
