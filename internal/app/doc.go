// Package app contains the core application logic. It defines the main App
// struct, its configuration, and the lifecycle that loads a graph file into
// an engine and processes it, decoupled from any specific entrypoint like a
// CLI or server.
package app
