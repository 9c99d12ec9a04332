package version

// Version is the kube-autorollout release version. Overridden at build time
// via -ldflags "-X github.com/ppiankov/kube-autorollout/internal/version.Version=...".
var Version = "dev"
