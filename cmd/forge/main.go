package main

import (
	"os"

	"github.com/calderhq/forge/internal/cli"
	"github.com/calderhq/forge/internal/profile"
	"github.com/calderhq/forge/internal/provider"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	providers := provider.NewRegistry()
	profiles := profile.NewRegistry()

	// Concrete AI providers, profiles, and standards providers register
	// here. The skip and manual approvers are built in.

	os.Exit(cli.Execute(cli.Options{
		Providers: providers,
		Profiles:  profiles,
		Version:   version,
	}))
}
