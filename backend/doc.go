// Package backend provides core.TaskBackend implementations: a deterministic
// local report generator and a client for a remote task executor.
package backend
