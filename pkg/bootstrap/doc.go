// Package bootstrap installs and activates cache generations.
//
// A generation is a deploy-specific name (e.g. "v42") that scopes three
// partitions: the pinned shell, the fingerprinted static assets and the
// runtime cache. Downloaded assets live in the "objects" partition, which
// no generation owns.
//
// Example usage:
//
//	gen := bootstrap.Generation("v42")
//	b := bootstrap.New(registry, originClient, bootstrap.DefaultPrecacheConfig(), clients, logger)
//	if _, err := b.Install(ctx, shell, []string{"/", "/manifest.json"}); err != nil {
//	    // keep serving the previous generation; install runs again on next start
//	}
//	report, err := b.Activate(ctx, gen, bootstrap.ObjectsPartition)
//
// Install:
//   - Fetches every shell asset in parallel (bounded worker count)
//   - Writes nothing unless every fetch succeeded
//   - Drops the shell partition if a write fails half way
//
// Activate:
//   - Drops every registered partition outside the generation and the preserve list
//   - Records the generation as active
//   - Hands the new partitions to already running request handlers
package bootstrap
