// Package shell is a queue Processor that runs tasks as external commands.
//
// A command may report progress by printing lines that start with the
// configured prefix followed by an integer, e.g. "::progress 3".
package shell
