package main

import (
	"fmt"
	"runtime/debug"
)

// version is injected at release time:
//
//	go build -ldflags "-X main.version=v1.2.0" ./cmd/chainkit/
//
// Builds without the ldflag fall back to the module version recorded by
// `go install`, or "dev" for plain source builds.
var version = ""

func printVersion() {
	v := version
	if v == "" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	if v == "" {
		v = "dev"
	}
	fmt.Println(v)
}
