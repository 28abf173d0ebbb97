// Package api exposes the HTTP surface: synchronous consultations, metrics
// summaries, history and CSV export, asynchronous consultation tasks, the
// model catalog, and runtime prompt and model administration. Routes under
// /api can be protected with API keys.
package api
