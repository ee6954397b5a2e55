package satchel

// Version is the satchel module version, reported by the CLI.
const Version = "0.1.0"
