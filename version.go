package main

// Build information, set via -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
