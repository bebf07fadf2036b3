// navi-server is the task execution service binary: the HTTP RPC surface
// with SSE/WebSocket streaming, sandbox backends, and the metrics endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"navi/internal/server/bootstrap"
	"navi/internal/shared/config"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.WithFile(os.Getenv("NAVI_CONFIG")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "navi-server: %v\n", err)
		os.Exit(2)
	}

	if err := bootstrap.RunServer(cfg, version); err != nil {
		fmt.Fprintf(os.Stderr, "navi-server: %v\n", err)
		os.Exit(1)
	}
}
