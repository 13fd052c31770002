package extension

import (
	"errors"
	"fmt"
	"strings"
)

// Capability expresses a privileged feature an extension asks the host for.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Source records where a description was discovered.
type Source string

const (
	SourceBuiltin  Source = "builtin"
	SourceManifest Source = "manifest"
	SourceAPI      Source = "api"
)

// StartupEvent is the activation event fired once the host is ready.
const StartupEvent = "*"

// Description is the immutable, manifest-derived record of an extension.
type Description struct {
	ID                    string       `json:"id" yaml:"id"`
	Name                  string       `json:"name,omitempty" yaml:"name"`
	Publisher             string       `json:"publisher,omitempty" yaml:"publisher"`
	Version               string       `json:"version,omitempty" yaml:"version"`
	Main                  string       `json:"main,omitempty" yaml:"main"`
	ExtensionDependencies []string     `json:"extensionDependencies,omitempty" yaml:"extensionDependencies"`
	ActivationEvents      []string     `json:"activationEvents,omitempty" yaml:"activationEvents"`
	Capabilities          []Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	Location              string       `json:"location,omitempty" yaml:"-"`
	Source                Source       `json:"source,omitempty" yaml:"-"`
}

// IsDeclarative reports whether the extension ships no code to activate.
func (d Description) IsDeclarative() bool {
	return strings.TrimSpace(d.Main) == ""
}

// Clone returns a copy that shares no slices with d.
func (d Description) Clone() Description {
	d.ExtensionDependencies = append([]string(nil), d.ExtensionDependencies...)
	d.ActivationEvents = append([]string(nil), d.ActivationEvents...)
	d.Capabilities = append([]Capability(nil), d.Capabilities...)
	return d
}

// Validate checks the fields the resolver relies on.
func (d Description) Validate() error {
	if d.ID == "" {
		return errors.New("extension id cannot be empty")
	}
	if strings.ContainsAny(d.ID, " \t\r\n/") {
		return fmt.Errorf("extension id %q contains invalid characters", d.ID)
	}
	for _, dep := range d.ExtensionDependencies {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("extension %s declares an empty dependency id", d.ID)
		}
	}
	return nil
}

// ListensTo reports whether the description is interested in event.
func (d Description) ListensTo(event string) bool {
	for _, e := range d.ActivationEvents {
		if e == event {
			return true
		}
	}
	return false
}
