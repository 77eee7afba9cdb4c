package preflight

import (
	"context"

	"lockbox/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckSequence(cfg),
	}

	if cfg.Paths.APIBind != "" {
		results = append(results, CheckBind(cfg.Paths.APIBind))
	}

	switch cfg.StateBus.Backend {
	case "redis":
		results = append(results, CheckRedis(ctx, cfg.StateBus.RedisAddr))
	case "nats":
		results = append(results, CheckNATS(ctx, cfg.StateBus.NATSURL))
	}

	if cfg.Notifications.NtfyTopic != "" {
		results = append(results, CheckNtfy(ctx, cfg.Notifications.NtfyTopic))
	}

	return results
}

// Failed filters results down to the checks that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
