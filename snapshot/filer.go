// Package snapshot moves batch files between the scheduler host and the backend.
// A Filer only copies files; it knows nothing about manifests or jobs.
package snapshot

import (
	"context"
)

// Uploader copies local files to the backend.
type Uploader interface {
	// Upload copies each of localPaths into remoteDir under its base name,
	// creating remoteDir if needed.
	Upload(ctx context.Context, localPaths []string, remoteDir string) error
}

// Downloader copies files from the backend.
type Downloader interface {
	// Download copies the regular files found under remoteDir into localDir and
	// returns their slash-separated paths relative to remoteDir, sorted.
	// A missing remoteDir yields no names and no error.
	Download(ctx context.Context, remoteDir, localDir string) ([]string, error)
}

// A Filer lets the orchestrator stage inputs on the backend and collect outputs back.
type Filer interface {
	Uploader
	Downloader
}
