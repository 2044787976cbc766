// Package prefs holds per-user notification preferences and the resolver
// that turns a requested channel set into an allowed one.
//
// Preference layering, most specific first:
//  1. per-notification-type channel override (set = wins)
//  2. global per-channel toggle
//
// Do-not-disturb and quiet hours suppress everything below critical
// priority; critical bypasses both. Resolution is a pure read.
package prefs
