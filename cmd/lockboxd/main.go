// Command lockboxd runs the lockbox daemon without the CLI wrapper, for
// service managers that expect a single-purpose binary. It reads the default
// configuration location; use `lockbox run --config` for anything else.
package main

import (
	"context"
	"log"

	"lockbox/internal/config"
	"lockbox/internal/daemonrun"
)

func main() {
	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{}); err != nil {
		log.Fatalf("lockboxd: %v", err)
	}
}
