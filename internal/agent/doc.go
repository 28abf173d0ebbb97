// Package agent runs a specialist: a language model bound to one tool group that
// alternates between proposing tool calls and reading their results until it
// produces a final answer. The loop is bounded and never retries on its own.
package agent
