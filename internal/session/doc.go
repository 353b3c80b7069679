// Package session keeps the registry of live sessions, one kernel handle
// per session id, and the on-disk execution history of each session.
package session
