// Package shim generates the capability layer appended to every applet
// module before it reaches the sandbox host. The generated code builds the
// Zipper global from the isolate environment, signs storage calls with the
// per-boot secret, and adapts handler return values into HTTP responses.
package shim

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

//go:embed shim.ts.tmpl
var shimTemplate string

// InputPreviewLimit bounds the serialized inputs echoed back in the
// x-zipper-inputs diagnostic header.
const InputPreviewLimit = 512

var tmpl = template.Must(template.New("shim").Parse(shimTemplate))

// Info identifies the deployment a generated shim belongs to.
type Info struct {
	AppID        string
	Slug         string
	Version      string
	DeploymentID string
	RPCRoot      string
}

type templateData struct {
	UserCode          string
	ReservedEnvJSON   string
	AppID             string
	Slug              string
	Version           string
	DeploymentID      string
	RPCRoot           string
	InputPreviewLimit int
}

// Wrap appends the generated capability shim to user code. The user code is
// embedded verbatim; every Info field is JSON-quoted before insertion so it
// is safe as a JavaScript string literal.
func Wrap(userCode string, info Info) string {
	var out strings.Builder
	data := templateData{
		UserCode:          userCode,
		ReservedEnvJSON:   jsString(ReservedEnv),
		AppID:             jsString(info.AppID),
		Slug:              jsString(info.Slug),
		Version:           jsString(info.Version),
		DeploymentID:      jsString(info.DeploymentID),
		RPCRoot:           jsString(info.RPCRoot),
		InputPreviewLimit: InputPreviewLimit,
	}
	// The template only fails on a bad template, which Must already
	// guarantees against at init.
	if err := tmpl.Execute(&out, data); err != nil {
		panic(fmt.Sprintf("shim: execute template: %v", err))
	}
	return out.String()
}

// Inert builds a standalone module that answers every request with a JSON
// error envelope at the given status. Boot returns these instead of failing
// when an app cannot be served, so the sandbox host always has something to
// run.
func Inert(message string, status int) string {
	return fmt.Sprintf(`addEventListener("fetch", (event) => {
  event.respondWith(new Response(JSON.stringify({ ok: false, error: %s }), {
    status: %d,
    headers: { "content-type": "application/json" },
  }));
});
`, jsString(message), status)
}

// InertMissingConnectors names the connectors the calling user has not yet
// authorized, so the client can start the right auth flows.
func InertMissingConnectors(connectors []string) string {
	return Inert(fmt.Sprintf("missing connector authorization: %s", strings.Join(connectors, ", ")), 500)
}

// InertMissingApp is the generic not-found module. The message never reveals
// whether the app exists.
func InertMissingApp() string {
	return Inert("app not found", 404)
}

func jsString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("shim: marshal literal: %v", err))
	}
	return string(b)
}
