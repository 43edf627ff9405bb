package launcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

var (
	ErrAppNotFound       = errors.New("app manifest not found")
	ErrInvalidAppID      = errors.New("invalid app id")
	ErrEntrypointMissing = errors.New("entrypoint doesn't exist")
)

// AppInfo is the manifest written by the launcher UI when an app is installed.
type AppInfo struct {
	ID         string `json:"id" yaml:"id" toml:"id"`
	BuildID    string `json:"buildId" yaml:"buildId" toml:"buildId"`
	InstallDir string `json:"installDir" yaml:"installDir" toml:"installDir"`
	StorageDir string `json:"storageDir" yaml:"storageDir" toml:"storageDir"`
	Entrypoint string `json:"entrypoint" yaml:"entrypoint" toml:"entrypoint"`
}

// EntrypointPath resolves the entrypoint inside the install directory.
func (a *AppInfo) EntrypointPath() string {
	return filepath.Join(a.InstallDir, filepath.FromSlash(a.Entrypoint))
}

type manifestDecoder func(data []byte, v any) error

// Lookup order when several manifests exist for one app.
var manifestFormats = []struct {
	ext    string
	decode manifestDecoder
}{
	{".json", sonic.Unmarshal},
	{".yaml", yaml.Unmarshal},
	{".yml", yaml.Unmarshal},
	{".toml", toml.Unmarshal},
}

// ManifestPath returns the first existing manifest for appID under dataDir.
func ManifestPath(dataDir, appID string) (string, error) {
	if err := validateAppID(appID); err != nil {
		return "", err
	}
	for _, format := range manifestFormats {
		path := filepath.Join(dataDir, "apps", appID+format.ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrAppNotFound, appID)
}

// LoadManifest reads and decodes the manifest for appID.
func LoadManifest(dataDir, appID string) (*AppInfo, error) {
	path, err := ManifestPath(dataDir, appID)
	if err != nil {
		return nil, err
	}
	return ReadManifest(path)
}

// ReadManifest decodes a manifest file, picking the decoder by extension.
func ReadManifest(path string) (*AppInfo, error) {
	decode := decoderFor(path)
	if decode == nil {
		return nil, fmt.Errorf("unsupported manifest format: %s", filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAppNotFound, path)
		}
		return nil, fmt.Errorf("failed to open app manifest: %w", err)
	}

	var info AppInfo
	if err := decode(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse app manifest: %w", err)
	}
	if info.InstallDir == "" || info.Entrypoint == "" {
		return nil, fmt.Errorf("failed to parse app manifest: %s: installDir and entrypoint are required", path)
	}
	return &info, nil
}

func decoderFor(path string) manifestDecoder {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range manifestFormats {
		if format.ext == ext {
			return format.decode
		}
	}
	return nil
}

// validateAppID keeps app ids inside the apps directory.
func validateAppID(appID string) error {
	if appID == "" || appID == "." || appID == ".." ||
		strings.ContainsAny(appID, `/\`) || strings.ContainsRune(appID, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidAppID, appID)
	}
	return nil
}
