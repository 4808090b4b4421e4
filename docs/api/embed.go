// Package apidocs carries the OpenAPI description of the control API.
// The document is embedded so the daemon can serve and validate
// against it without caring where the binary was installed.
package apidocs

import (
	_ "embed"
)

//go:embed openapi.yaml
var Doc []byte
