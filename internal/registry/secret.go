// Package registry handles registry credentials in dockerconfigjson form and
// checks pushed tags against the registry.
package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// DockerHubAuthKey is the auths key Docker clients use for Docker Hub.
const DockerHubAuthKey = "https://index.docker.io/v1/"

// dockerConfig represents the structure of a .dockerconfigjson secret.
type dockerConfig struct {
	Auths map[string]dockerAuth `json:"auths"`
}

type dockerAuth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Auth     string `json:"auth,omitempty"` // base64(username:password)
}

// AuthKey returns the auths key for registryHost. Docker Hub uses its legacy
// v1 URL; every other registry is keyed by host.
func AuthKey(registryHost string) string {
	if isDockerHub(registryHost) {
		return DockerHubAuthKey
	}
	return registryHost
}

func isDockerHub(host string) bool {
	return host == "" || host == name.DefaultRegistry || host == "docker.io" || host == "registry-1.docker.io"
}

// DockerConfigJSON renders dockerconfigjson data holding one credential.
func DockerConfigJSON(registryHost, username, password string) ([]byte, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	cfg := dockerConfig{Auths: map[string]dockerAuth{
		AuthKey(registryHost): {
			Username: username,
			Password: password,
			Auth:     base64.StdEncoding.EncodeToString([]byte(username + ":" + password)),
		},
	}}
	return json.Marshal(cfg)
}

// ExtractCredentials extracts username and password for a registry host from
// dockerconfigjson data. Tries exact host match, then https:// and http://
// prefixed variants, then the Docker Hub aliases.
func ExtractCredentials(secretData []byte, registryHost string) (string, string, error) {
	var cfg dockerConfig
	if err := json.Unmarshal(secretData, &cfg); err != nil {
		return "", "", fmt.Errorf("parsing dockerconfigjson: %w", err)
	}

	auth, ok := lookup(cfg.Auths, registryHost)
	if !ok {
		return "", "", fmt.Errorf("no credentials found for registry %s", registryHost)
	}

	if auth.Username != "" && auth.Password != "" {
		return auth.Username, auth.Password, nil
	}

	if auth.Auth != "" {
		decoded, err := base64.StdEncoding.DecodeString(auth.Auth)
		if err != nil {
			return "", "", fmt.Errorf("decoding auth field: %w", err)
		}
		parts := strings.SplitN(string(decoded), ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("invalid auth field format")
		}
		return parts[0], parts[1], nil
	}

	return "", "", fmt.Errorf("no username/password or auth field for registry %s", registryHost)
}

func lookup(auths map[string]dockerAuth, host string) (dockerAuth, bool) {
	candidates := []string{host, "https://" + host, "http://" + host}
	if isDockerHub(host) {
		candidates = append(candidates, DockerHubAuthKey, "docker.io", "https://docker.io", name.DefaultRegistry)
	}
	for _, c := range candidates {
		if auth, ok := auths[c]; ok {
			return auth, true
		}
	}
	return dockerAuth{}, false
}

// LoadCredentials reads a Docker config file (~/.docker/config.json layout)
// and extracts the credential for registryHost.
func LoadCredentials(path, registryHost string) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading docker config: %w", err)
	}
	return ExtractCredentials(data, registryHost)
}
