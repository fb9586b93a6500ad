// Package app contains the core application logic. It defines the main App
// struct, its configuration, and the primary execution lifecycle: load a
// graph description, run it, apply update documents while it runs and drain
// it. It is decoupled from any specific entrypoint like a CLI or server.
package app
