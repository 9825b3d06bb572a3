package notification

import _ "embed"

// Schema holds the engine's DDL, applied idempotently at startup.
//
//go:embed schema.sql
var Schema string
