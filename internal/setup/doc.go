// Package setup prepares a host to run microVMs: required tools, directories,
// forwarding and the NAT that lets namespace traffic leave the host.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
