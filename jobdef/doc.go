// Package jobdef defines the JobDefinition entity (§3), typed handler
// registration, and the entry-point Registry that realizes the Go
// answer to §9's classloading re-architecture: a payload is a plain Go
// function looked up by name at Prepare time, never a dynamically
// loaded artifact.
package jobdef
