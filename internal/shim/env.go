package shim

import "strings"

// ReservedEnv is the deny list of operational environment variable names
// stripped from the capability object before user code can see the
// environment. The shared signing secret and boot plumbing live here; user
// code must never observe them even though they are present in the
// isolate's raw environment.
var ReservedEnv = []string{
	"ZIPPER_SIGNING_SECRET",
	"ZIPPER_RPC_ROOT",
	"ZIPPER_DEPLOYMENT_ID",
	"ZIPPER_CALLER_ID",
	"ZIPPER_BOOT_TOKEN",
	"DENO_DEPLOYMENT_ID",
	"DENO_REGION",
}

// reservedEnvPrefixes extends the deny list to whole operational
// namespaces.
var reservedEnvPrefixes = []string{"DENO_"}

// IsReservedEnv reports whether an environment variable name is stripped
// before injection into the capability object.
func IsReservedEnv(name string) bool {
	for _, reserved := range ReservedEnv {
		if name == reserved {
			return true
		}
	}
	for _, prefix := range reservedEnvPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
