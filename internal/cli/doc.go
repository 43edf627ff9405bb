// Package cli implements the companion command line.
//
// Every command loads configuration from the environment first; flags
// override it. Progress bars go to stderr so stdout stays scriptable:
// compress prints only the archive path.
package cli
