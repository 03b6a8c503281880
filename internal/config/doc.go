// Package config defines the engine configuration model: table capacities,
// worker pool size, schedule queue sizes, log capacity and the set of
// execution targets with their priorities.
//
// Defaults come from Default. A configuration file written in HCL can
// override any subset of the values; see Loader.
package config
