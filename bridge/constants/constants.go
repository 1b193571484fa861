package constants

const FHIRJSONContentType = "application/fhir+json"

const DefaultTimeoutMS = 30000
const DefaultRetryMax = 3
const DefaultBackoffBaseMS = 2000
const DefaultBackoffCapMS = 10000
const DefaultTokenBufferSeconds = 60
const DefaultMaxConcurrent = 6

// Assertion lifetime for the client-credentials JWT, per SMART Backend
// Services: exp may be at most five minutes in the future.
const AssertionLifetimeMinutes = 5

// This is set during compilation. See build_and_package.sh in the ops repo.
var Version = "latest"
