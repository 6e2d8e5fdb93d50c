package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/loykin/sidekick/internal/ports"
)

// ConfigFileName is the launch artifact written into the execution directory.
const ConfigFileName = "server_config.json"

// Paths locates the sidecar binary and its resources. The fallback pair is
// the bundled copy shipped with the host.
type Paths struct {
	Binary            string
	FallbackBinary    string
	Resources         string
	FallbackResources string
	Execution         string
}

// Identity is passed through to the sidecar unchanged.
type Identity struct {
	InstallID       string
	HostVersion     string
	ProtocolVersion string
}

// LaunchConfig is built fresh before every launch and not modified afterwards.
type LaunchConfig struct {
	Paths       Paths
	Ports       ports.ServerPorts
	Identity    Identity
	AllowRemote bool
}

type artifact struct {
	Ports struct {
		CDP       int `json:"cdp"`
		HTTPMCP   int `json:"http_mcp"`
		Agent     int `json:"agent"`
		Extension int `json:"extension"`
	} `json:"ports"`
	Directories struct {
		Resources string `json:"resources"`
		Execution string `json:"execution"`
	} `json:"directories"`
	Flags struct {
		AllowRemoteInMCP bool `json:"allow_remote_in_mcp"`
	} `json:"flags"`
	Instance struct {
		InstallID              string `json:"install_id"`
		HostVersion            string `json:"host_version"`
		SidecarProtocolVersion string `json:"sidecar_protocol_version"`
	} `json:"instance"`
}

func (c LaunchConfig) artifact(resources string) artifact {
	var a artifact
	a.Ports.CDP = c.Ports.CDP
	a.Ports.HTTPMCP = c.Ports.Backend
	a.Ports.Agent = c.Ports.Backend
	a.Ports.Extension = c.Ports.Extension
	a.Directories.Resources = resources
	a.Directories.Execution = c.Paths.Execution
	a.Flags.AllowRemoteInMCP = c.AllowRemote
	a.Instance.InstallID = c.Identity.InstallID
	a.Instance.HostVersion = c.Identity.HostVersion
	a.Instance.SidecarProtocolVersion = c.Identity.ProtocolVersion
	return a
}

// WriteArtifact serializes the config for resources into dir/server_config.json
// and returns the path written.
func (c LaunchConfig) WriteArtifact(dir, resources string) (string, error) {
	b, err := json.MarshalIndent(c.artifact(resources), "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return "", fmt.Errorf("write launch config: %w", err)
	}
	return path, nil
}

// Args returns the sidecar command line. Ports are repeated on the command
// line; the sidecar prefers them over the file, which may still be flushing.
func (c LaunchConfig) Args(configPath string) []string {
	return []string{
		"--config", configPath,
		"--cdp-port", strconv.Itoa(c.Ports.CDP),
		"--http-mcp-port", strconv.Itoa(c.Ports.Backend),
		"--agent-port", strconv.Itoa(c.Ports.Backend),
		"--extension-port", strconv.Itoa(c.Ports.Extension),
	}
}
