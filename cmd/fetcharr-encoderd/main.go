// Package main is the entry point for the fetcharr-encoderd agent.
//
// fetcharr-encoderd is a distributed encoder agent that connects to a
// fetcharr dispatcher to provide encoding capacity. It advertises the
// codecs its ffmpeg build can produce, accepts offered jobs up to its
// concurrency limit, and streams progress back over the same websocket.
package main

import (
	"os"

	"github.com/jmylchreest/fetcharr/cmd/fetcharr-encoderd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
