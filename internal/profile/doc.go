// Package profile is the user directory.
//
// # Directory
//
// Directory wraps store.UserStore. Users are created once per phone number,
// looked up by phone (the way people find each other) or by ID, and updated
// in place. Phone numbers are normalized before they are stored or queried,
// so "+1 555-0100" and "+15550100" are the same person.
//
// # Caching
//
// The conversation list asks for the peer's profile once per conversation on
// every refresh. CachedDirectory keeps those lookups in a Cache (Redis in
// production) for a short TTL and drops the entry when the profile changes.
// A cache outage degrades to a direct directory read.
package profile
