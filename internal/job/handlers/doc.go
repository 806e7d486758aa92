// Package handlers holds the built-in job handlers. Each one implements
// job.Handler for exactly one payload variant.
package handlers
