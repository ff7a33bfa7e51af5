package main

import (
	"fmt"
	"runtime"
)

var Version = "0.1.0"

type VersionCmd struct {
	BuildInfo bool `help:"Print build information" default:"false"`
}

func (v *VersionCmd) Run() error {
	fmt.Println("radhcp", Version)
	if v.BuildInfo {
		fmt.Println("Built by:", runtime.Version())
	}
	return nil
}
