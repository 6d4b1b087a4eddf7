// Package version holds the build-time version string, set via -ldflags in
// release builds and otherwise reporting a development marker.
package version

// V is the current build version.
var V = "v0.1.0-dev"

// Description is the NIP-11 "software" free-text field and the huma API
// description.
const Description = "MOAR — a multi-tenant relay gateway for the Nostr event protocol"
