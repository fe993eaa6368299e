package main

import (
	"os"
)

// TransformProfileArgs rewrites a clawdbot invocation to carry
// --profile <name> when CLAWDBOT_PROFILE is set and the user did not already
// pass --profile or --dev. args excludes argv[0].
func TransformProfileArgs(args []string, getenv func(string) string) []string {
	profile := getenv("CLAWDBOT_PROFILE")
	if profile == "" {
		return args
	}
	for _, a := range args {
		if a == "--profile" || a == "--dev" {
			return args
		}
		if len(a) > len("--profile=") && a[:len("--profile=")] == "--profile=" {
			return args
		}
	}
	return append([]string{"--profile", profile}, args...)
}

func envGetenv(key string) string {
	return os.Getenv(key)
}
