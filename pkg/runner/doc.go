// Package runner owns the map of session id to running agent loop. It
// guarantees at most one loop per session, cancels loops on request, and fans
// each loop's events out to any number of subscribers.
package runner
