package shim_test

import (
	"strings"
	"testing"

	"github.com/zipper-works/zipper/internal/shim"
)

func TestWrapEmbedsUserCodeAndCapabilities(t *testing.T) {
	t.Parallel()

	userCode := `export async function handler(inputs) { return { ok: true }; }`
	out := shim.Wrap(userCode, shim.Info{
		AppID:        "app-1",
		Slug:         "greeter",
		Version:      "v3",
		DeploymentID: "app-1@v3",
		RPCRoot:      "https://rpc.zipper.test",
	})

	if !strings.HasPrefix(out, userCode) {
		t.Fatal("user code must lead the generated module")
	}
	for _, marker := range []string{
		`globalThis.Zipper = Zipper`,
		`addEventListener("fetch"`,
		`"app-1"`,
		`"greeter"`,
		`"app-1@v3"`,
		`"https://rpc.zipper.test"`,
		`x-zipper-hmac`,
		`x-timestamp`,
		`x-zipper-inputs`,
	} {
		if !strings.Contains(out, marker) {
			t.Fatalf("generated shim missing %q", marker)
		}
	}
}

func TestWrapEmbedsReservedEnvDenyList(t *testing.T) {
	t.Parallel()

	out := shim.Wrap("", shim.Info{AppID: "a", Slug: "s", Version: "v", DeploymentID: "a@v"})
	for _, name := range shim.ReservedEnv {
		if !strings.Contains(out, `"`+name+`"`) {
			t.Fatalf("deny list entry %q not embedded", name)
		}
	}
}

func TestWrapQuotesInfoFields(t *testing.T) {
	t.Parallel()

	out := shim.Wrap("", shim.Info{
		AppID:        "a",
		Slug:         `quo"ted`,
		Version:      "v",
		DeploymentID: "a@v",
	})
	if !strings.Contains(out, `"quo\"ted"`) {
		t.Fatal("slug with a quote must be escaped into a valid JS literal")
	}
}

func TestIsReservedEnv(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		reserved bool
	}{
		{"ZIPPER_SIGNING_SECRET", true},
		{"ZIPPER_BOOT_TOKEN", true},
		{"DENO_REGION", true},
		{"DENO_ANYTHING_ELSE", true},
		{"GITHUB_TOKEN", false},
		{"MY_VAR", false},
		{"ZIPPERISH", false},
	}
	for _, tc := range cases {
		if got := shim.IsReservedEnv(tc.name); got != tc.reserved {
			t.Errorf("IsReservedEnv(%q) = %v, want %v", tc.name, got, tc.reserved)
		}
	}
}

func TestInertAnswersWithEnvelope(t *testing.T) {
	t.Parallel()

	out := shim.Inert("nope", 404)
	if !strings.Contains(out, `addEventListener("fetch"`) {
		t.Fatal("inert module must register a fetch handler")
	}
	if !strings.Contains(out, `"nope"`) || !strings.Contains(out, "status: 404") {
		t.Fatalf("inert module missing message or status: %s", out)
	}
}

func TestInertMissingConnectorsNamesThem(t *testing.T) {
	t.Parallel()

	out := shim.InertMissingConnectors([]string{"github", "slack"})
	if !strings.Contains(out, "github, slack") {
		t.Fatalf("connector names missing from inert module: %s", out)
	}
	if !strings.Contains(out, "status: 500") {
		t.Fatal("missing-connector module must answer 500")
	}
}

func TestInertMissingAppIsGeneric(t *testing.T) {
	t.Parallel()

	out := shim.InertMissingApp()
	if !strings.Contains(out, "status: 404") {
		t.Fatal("missing-app module must answer 404")
	}
	if strings.Contains(out, "private") || strings.Contains(out, "exists") {
		t.Fatal("missing-app message must not distinguish private from absent")
	}
}
