// Package catalog caches the remote action list and validates job
// parameters against each action's input schema before dispatch.
//
// Validation covers the subset of JSON Schema the remote publishes: types,
// required properties, nested objects and arrays, enums, string length,
// numeric bounds and common string formats. The remote service stays the
// authority; when the catalog cannot be fetched, validation is skipped.
package catalog
