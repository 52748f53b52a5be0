// Package client is a thin Go client for the Paddock HTTP API. It is
// what the CLI subcommands speak; errors carry the server's error code
// and message.
package client
