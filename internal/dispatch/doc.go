// Package dispatch defines the interface every worker dispatcher implements
// (local process, Firecracker microVM) and the registry the server uses to
// pick one by name.
package dispatch
