// Package ptrace runs packed programs as ptrace tracees. Every trap at a
// packed site becomes one episode on the virtual CPU against the tracee's
// registers and memory.
package ptrace
