package version

// Version is the current version of the stranger CLI.
// This value can be overridden at build time using:
//   go build -ldflags="-X 'github.com/stranger-cam/stranger/internal/version.Version=v1.0.0'"
var Version = "dev"

// ClientType identifies this client to the rendezvous service.
const ClientType = "cli"
