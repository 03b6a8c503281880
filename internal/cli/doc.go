// Package cli turns the visiongraph command line into an app.Config. Usage
// errors come back as ExitError values carrying the process exit code.
package cli
