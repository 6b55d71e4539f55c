package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// configFilePermissions is the permission mode for config files. The file
// may hold the NAS password, so it is owner-only.
const configFilePermissions = 0o600

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteTemplate when the target exists.
var ErrConfigExists = errors.New("config file already exists")

// configTemplate is the config file written by "config init". Every
// setting is present as a commented-out default.
const configTemplate = `# nasgate configuration
# Secrets are best supplied through the environment:
#   NASGATE_NAS_PASSWORD, NASGATE_NAS_MEDIA_PASSWORD

[nas]
# Candidate base URLs, most preferred first.
endpoints = [%s]
username = %q
# session_ttl = "10m"
# login_timeout = "30s"
# probe_timeout = "5s"

# [nas.file_management]
# session_kind = "FileStation"

# [nas.media_library]
# enabled = true
# session_kind = "Foto"

[catalog]
# dsn = "postgres://user:pass@db/nasgate" for PostgreSQL
# folder_naming = "id"   # or "name"
# entity_root = "/catalog/entities"

[reconcile]
# root = "/catalog/entities"
# concurrency = 4
# reserved_names = ["_SUCCESS", "@eaDir", "#recycle", "#snapshot", ".DS_Store", "Thumbs.db"]
# interval = "0"          # e.g. "24h" to clean up periodically while serving
# lock_redis_url = ""     # shared lock for multi-replica deployments

[proxy]
# thumbnail_size = "medium"
# media_thumbnail_size = "xl"
# immutable_max_age = "8760h"
# volatile_max_age = "5m"

[server]
# listen = "127.0.0.1:8080"
# max_upload_size = "2GiB"

[logging]
# log_level = "info"
# log_format = "auto"
`

// WriteTemplate creates a new config file at path from the template,
// seeded with the given endpoints and username. It refuses to overwrite.
func WriteTemplate(path string, endpoints []string, username string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	return atomicWriteFile(path, []byte(fmt.Sprintf(configTemplate, joinQuoted(endpoints), username)))
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. Parent directories are created
// as needed. Files are created with configFilePermissions.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
