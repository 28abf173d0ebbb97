// Package config loads the YAML service configuration (plus an optional .env
// file next to it) and exposes the per-request settings snapshot: active
// provider, model, API key and the prompt set. Snapshots are read once at the
// start of every consultation so administrative changes never affect a request
// already in flight.
package config
