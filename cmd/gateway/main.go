// Command gateway is the nulpoint LLM gateway: key pooling, health
// probing, and request dispatch across OpenAI-like and Gemini providers.
//
// Quick-start:
//
//	./gateway gateway --config providers.yaml
//	./gateway worker  --config providers.yaml
//
// Configuration is read from the providers.yaml given by --config (scaffold
// an entry with `gateway config create`), plus an optional .env file.
package main

import (
	"os"

	"github.com/nulpointcorp/llm-gateway/cmd/gateway/cli"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	os.Exit(cli.Execute(version))
}
