package main

import (
	"github.com/pmkol/hyperdns/coremain"
	"github.com/pmkol/hyperdns/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.S().Fatal(err)
	}
}
