// Package storage persists per-user and per-channel settings.
//
// Today that is a single setting: the preferred IANA timezone, consumed by
// the remind plugin's timezone resolution chain (user > channel > UTC).
package storage
