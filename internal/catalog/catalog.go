// Package catalog lists the shared media library. Every immediate
// subdirectory of the media root is one item; peers rely on the listing
// order being deterministic, since playlist auto-advance is decided
// independently by each peer against the same catalog.
package catalog

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/couchsync/server/internal/domain"
)

const (
	masterPlaylist  = "master.m3u8"
	primaryPlaylist = "playlist.m3u8"
)

type Scanner struct {
	root      string
	mediaBase string
}

// NewScanner scans root; mediaBase is the URL prefix the server mounts
// the media root under (e.g. "/media").
func NewScanner(root, mediaBase string) *Scanner {
	return &Scanner{root: root, mediaBase: strings.TrimRight(mediaBase, "/")}
}

// Scan returns the catalog sorted by name.
func (s *Scanner) Scan() ([]domain.CatalogEntry, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read media root: %w", err)
	}

	entries := make([]domain.CatalogEntry, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}

		entry, err := s.scanItem(d.Name())
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b domain.CatalogEntry) int {
		return strings.Compare(a.Name, b.Name)
	})

	return entries, nil
}

func (s *Scanner) scanItem(name string) (domain.CatalogEntry, error) {
	dir := filepath.Join(s.root, name)

	hlsReady := fileExists(filepath.Join(dir, masterPlaylist))
	hasPrimary := fileExists(filepath.Join(dir, primaryPlaylist))

	hasSubtitles, err := hasSuffix(dir, ".vtt")
	if err != nil {
		return domain.CatalogEntry{}, err
	}

	master := path.Join(s.mediaBase, name, masterPlaylist)
	primary := master
	if hasPrimary {
		primary = path.Join(s.mediaBase, name, primaryPlaylist)
	}

	return domain.CatalogEntry{
		Name:               name,
		HLSReady:           hlsReady,
		PrimaryPlaylistURL: primary,
		MasterPlaylistURL:  master,
		HasSubtitles:       hasSubtitles,
	}, nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func hasSuffix(dir, suffix string) (bool, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	for _, d := range dirents {
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			return true, nil
		}
	}
	return false, nil
}
