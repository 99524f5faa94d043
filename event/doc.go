// Package event defines the typed notifications emitted by the dispatch
// runtime and a non-blocking in-process bus for fanning them out.
package event
