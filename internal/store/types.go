package store

import "time"

// App is a logical applet: a named set of scripts plus the secrets and
// connector records its code runs with.
type App struct {
	ID               string
	Slug             string
	OwnerID          string
	IsPrivate        bool
	MainFilename     string
	PublishedVersion string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Scripts    []Script
	Secrets    []Secret
	Connectors []Connector
}

// Script is one source file belonging to an app. Filenames are unique
// within an app; exactly one script is the entrypoint (App.MainFilename).
type Script struct {
	AppID      string
	Filename   string
	Source     string
	IsRunnable bool
}

// Secret is a per-app key with a vault-encrypted value. The encrypted value
// never leaves the service; it is decrypted only while a boot response is
// being constructed.
type Secret struct {
	AppID          string
	Key            string
	EncryptedValue string
}

// Connector is a third-party integration the app declares. When
// RequiresUserAuth is set, each end user must have a ConnectorAuth record
// before their runs can boot.
type Connector struct {
	AppID            string
	Type             string
	RequiresUserAuth bool
}

// ConnectorAuth is a per-user credential for one of an app's connectors.
type ConnectorAuth struct {
	AppID          string
	ConnectorType  string
	UserID         string
	EncryptedToken string
}

// Event is one execution telemetry record reported by the sandbox host.
type Event struct {
	ID           string
	AppID        string
	DeploymentID string
	Kind         string
	Payload      string
	CreatedAt    time.Time
}

// Script lookup helper used by the bundler's local resolution.
func (a *App) Script(filename string) (Script, bool) {
	for _, s := range a.Scripts {
		if s.Filename == filename {
			return s, true
		}
	}
	return Script{}, false
}
