// Package llm defines the chat-completion contract shared by the router,
// the specialist runner and the synthesizer, together with the catalog of
// OpenAI-compatible providers the service can talk to.
package llm
