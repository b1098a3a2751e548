package types

// Version is the canonical project version, shared by the CLI and the
// archive sidecar format marker.
const Version = "0.3.0"

// SidecarFormatVersion marks the sidecar JSON layout. Bump only with a
// migration path for existing archives.
const SidecarFormatVersion = 1
