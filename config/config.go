// Package config loads the uploader's configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ErrIncomplete means a required configuration value is missing.
var ErrIncomplete = errors.New("configuration incomplete")

// Config ...
type Config struct {
	// SourcePattern locates the file to upload (glob, newest match wins).
	SourcePattern string
	// FolderID is the destination folder on the remote side.
	FolderID string
	// DatabasePath is the sqlite file holding session and history.
	DatabasePath string
	// MimeType declared for the uploaded file.
	MimeType string

	// OAuth credentials. Either a static access token, or client
	// credentials plus a refresh token.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRefreshToken string
	GoogleAccessToken  string

	// Endpoint overrides for tests and self-hosted proxies.
	APIBaseURL    string
	UploadBaseURL string

	Verbose bool
	// RequireUnmetered is a scheduling preference consumed by whatever
	// schedules invocations; the upload engine itself never reads it.
	RequireUnmetered bool
}

// Load reads the configuration. Missing required keys are reported
// together in one error wrapping ErrIncomplete.
func Load() (*Config, error) {
	// A .env file is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg := &Config{
		SourcePattern:      os.Getenv("DRIVEBACK_SOURCE_PATTERN"),
		FolderID:           os.Getenv("DRIVEBACK_FOLDER_ID"),
		DatabasePath:       envString("DRIVEBACK_DB_PATH", "./data/driveback.db"),
		MimeType:           envString("DRIVEBACK_MIME_TYPE", "application/octet-stream"),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRefreshToken: os.Getenv("GOOGLE_REFRESH_TOKEN"),
		GoogleAccessToken:  os.Getenv("GOOGLE_ACCESS_TOKEN"),
		APIBaseURL:         os.Getenv("DRIVEBACK_API_BASE_URL"),
		UploadBaseURL:      os.Getenv("DRIVEBACK_UPLOAD_BASE_URL"),
		Verbose:            envBool("DRIVEBACK_VERBOSE", false),
		RequireUnmetered:   envBool("DRIVEBACK_REQUIRE_UNMETERED", true),
	}

	var missing []string
	if cfg.SourcePattern == "" {
		missing = append(missing, "DRIVEBACK_SOURCE_PATTERN")
	}
	if cfg.FolderID == "" {
		missing = append(missing, "DRIVEBACK_FOLDER_ID")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s not set", ErrIncomplete, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// TokenSource builds the OAuth token source for the remote endpoint.
func (c *Config) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if c.GoogleAccessToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.GoogleAccessToken}), nil
	}

	if c.GoogleClientID == "" || c.GoogleClientSecret == "" || c.GoogleRefreshToken == "" {
		return nil, fmt.Errorf("%w: GOOGLE_ACCESS_TOKEN or GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET/GOOGLE_REFRESH_TOKEN not set", ErrIncomplete)
	}

	oauthConfig := oauth2.Config{
		ClientID:     c.GoogleClientID,
		ClientSecret: c.GoogleClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/drive.file"},
	}
	return oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: c.GoogleRefreshToken}), nil
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
