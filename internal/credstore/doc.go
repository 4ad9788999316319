// Package credstore provides the tiered key/value store that holds session
// credentials.
//
// Backends with different security and deployment tradeoffs:
//   - Keyring: OS-native secure storage (macOS Keychain, Windows Credential Manager, Secret Service)
//   - File: plain JSON document on disk with atomic writes and 0600 permissions
//   - Redis: plain shared store for kiosk stations
//   - Env: read-only environment variables, lowest-priority read tier
//
// Store composes them: reads consult an ordered list of tiers, writes go to the
// primary tier and fan out to legacy mirror keys in the plain store.
package credstore
