// Package secret resolves credential references before they are handed to
// the connection manager.
//
// A credential value may be:
//   - A literal, optionally containing ${VAR} references (see ExpandEnvStrict)
//   - A full reference:   secretref:env:GMAIL_REFRESH_TOKEN
//   - An inline reference: Bearer secretref:env:SLACK_TOKEN
//
// Providers are looked up by name on a Resolver. EnvProvider and
// MapProvider are built in; Registry builds providers from configuration.
package secret
