package internal

// Version is the current version of statusboard.
const Version = "0.3.0"

// userAgent identifies the watcher to the server.
const userAgent = "statusboard-watch/" + Version
