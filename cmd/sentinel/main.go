// Sentinel is a request-admission and usage-reporting sidecar: it sits in
// front of a single backend service, authenticates bearer JWTs, enforces a
// remote Check/AllocateQuota decision (aggregated and cached locally), then
// proxies and reports usage asynchronously.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/sentinel.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("sentinel", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
