package bootrpc

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/zipper-works/zipper/internal/store"
)

// VersionLatest asks the boot endpoint to resolve the app's current content
// version instead of a pinned one.
const VersionLatest = "latest"

// DeploymentID identifies one bootable deployment: an app at a version,
// optionally scoped to the end user whose connector credentials the run
// uses.
type DeploymentID struct {
	AppID    string
	Version  string
	CallerID string
}

// ParseDeploymentID parses "appID@version" or "appID@version@callerID".
func ParseDeploymentID(s string) (DeploymentID, error) {
	parts := strings.Split(s, "@")
	if len(parts) < 2 || len(parts) > 3 {
		return DeploymentID{}, fmt.Errorf("bootrpc: malformed deployment id %q", s)
	}
	dep := DeploymentID{AppID: parts[0], Version: parts[1]}
	if len(parts) == 3 {
		dep.CallerID = parts[2]
	}
	if dep.AppID == "" || dep.Version == "" {
		return DeploymentID{}, fmt.Errorf("bootrpc: malformed deployment id %q", s)
	}
	return dep, nil
}

func (d DeploymentID) String() string {
	if d.CallerID != "" {
		return d.AppID + "@" + d.Version + "@" + d.CallerID
	}
	return d.AppID + "@" + d.Version
}

// CacheKey is the deployment id without the caller segment. Bundle content
// depends only on app and version; the caller segment only selects
// credentials.
func (d DeploymentID) CacheKey() string {
	return d.AppID + "@" + d.Version
}

// ContentVersion hashes the app's current scripts into a deterministic
// version string. Recomputed on every "latest" boot, so edits are picked up
// immediately.
func ContentVersion(app *store.App) string {
	scripts := make([]store.Script, len(app.Scripts))
	copy(scripts, app.Scripts)
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Filename < scripts[j].Filename })

	h := blake3.New()
	for _, sc := range scripts {
		h.Write([]byte(sc.Filename))
		h.Write([]byte{0})
		h.Write([]byte(sc.Source))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ContentHash returns the content-address for one blob.
func ContentHash(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
