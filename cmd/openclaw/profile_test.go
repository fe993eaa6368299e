package main

import (
	"testing"
)

func env(vals map[string]string) func(string) string {
	return func(key string) string { return vals[key] }
}

func TestProfileTransformAddsFlag(t *testing.T) {
	args := TransformProfileArgs([]string{"gateway", "start"}, env(map[string]string{"CLAWDBOT_PROFILE": "work"}))
	want := []string{"--profile", "work", "gateway", "start"}
	if len(args) != len(want) {
		t.Fatalf("args = %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestProfileTransformRespectsExplicitFlags(t *testing.T) {
	e := env(map[string]string{"CLAWDBOT_PROFILE": "work"})

	args := TransformProfileArgs([]string{"--profile", "other", "gateway"}, e)
	if len(args) != 3 || args[1] != "other" {
		t.Errorf("explicit --profile must win: %v", args)
	}

	args = TransformProfileArgs([]string{"--profile=other", "gateway"}, e)
	if len(args) != 2 {
		t.Errorf("--profile=x must suppress the transform: %v", args)
	}

	args = TransformProfileArgs([]string{"--dev", "gateway"}, e)
	if len(args) != 2 {
		t.Errorf("--dev must suppress the transform: %v", args)
	}
}

func TestProfileTransformNoEnv(t *testing.T) {
	args := TransformProfileArgs([]string{"gateway"}, env(nil))
	if len(args) != 1 {
		t.Errorf("no env, no transform: %v", args)
	}
}
