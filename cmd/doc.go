// Package cmd implements the command-line interface for the tidewater
// storage engine maintenance utility.
//
// The package is organized into several subpackages:
//
//   - backup: Hot backup of a live engine root to a directory or an
//     S3-compatible object store
//   - repair: Verify, salvage and rebuild of single table idents
//   - rotate: Encryption master key rotation
//   - util: Shared utilities for command-line processing and configuration
//     (internal use)
//
// See tidewater -help for a list of all commands.
package cmd
