// Package github mirrors a directory of source documents (PDFs, Markdown
// notes, images) from a GitHub repository into the local data directory.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v81/github"
)

// ManifestFile records what the last fetch mirrored. It lives in the data
// directory and is skipped by index builds (no allowed extension).
const ManifestFile = ".medassist-source.json"

var sourceExtensions = map[string]bool{
	".pdf": true, ".md": true, ".png": true, ".jpg": true, ".jpeg": true,
}

// Manifest describes the mirrored repository state.
type Manifest struct {
	Owner     string            `json:"owner"`
	Repo      string            `json:"repo"`
	BasePath  string            `json:"base_path"`
	Ref       string            `json:"ref"`
	CommitSHA string            `json:"commit_sha"`
	FetchedAt time.Time         `json:"fetched_at"`
	Files     map[string]string `json:"files"` // relative path -> blob SHA
}

// FetchReport summarizes one Sync.
type FetchReport struct {
	Listed     int
	Downloaded int
	Unchanged  int
	Removed    int
	CommitSHA  string
	Duration   time.Duration
}

// Fetcher downloads source documents below basePath of owner/repo at ref.
type Fetcher struct {
	client   *Client
	owner    string
	repo     string
	basePath string
	ref      string
	logger   *slog.Logger
}

// NewFetcher creates a fetcher. An empty ref means the default branch.
func NewFetcher(client *Client, owner, repo, basePath, ref string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:   client,
		owner:    owner,
		repo:     repo,
		basePath: strings.Trim(basePath, "/"),
		ref:      ref,
		logger:   logger,
	}
}

func (f *Fetcher) getOpts() *github.RepositoryContentGetOptions {
	if f.ref == "" {
		return nil
	}
	return &github.RepositoryContentGetOptions{Ref: f.ref}
}

// SourceFile is one listed document.
type SourceFile struct {
	Path string // relative to basePath, slash separated
	SHA  string
}

// ListSources recursively lists PDFs, Markdown notes and images.
func (f *Fetcher) ListSources(ctx context.Context) ([]SourceFile, error) {
	files, err := f.listRecursive(ctx, f.basePath, "")
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (f *Fetcher) listRecursive(ctx context.Context, fullPath, relativePath string) ([]SourceFile, error) {
	_, dirContents, _, err := f.client.Repositories.GetContents(ctx, f.owner, f.repo, fullPath, f.getOpts())
	if err != nil {
		return nil, fmt.Errorf("failed to get contents of %s: %w", fullPath, err)
	}

	var files []SourceFile
	for _, item := range dirContents {
		name := item.GetName()
		itemRelPath := path.Join(relativePath, name)

		switch item.GetType() {
		case "file":
			if sourceExtensions[strings.ToLower(path.Ext(name))] {
				files = append(files, SourceFile{Path: itemRelPath, SHA: item.GetSHA()})
			}
		case "dir":
			sub, err := f.listRecursive(ctx, path.Join(fullPath, name), itemRelPath)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		}
	}
	return files, nil
}

// Download returns the bytes of one listed file. Small files come inline
// with the contents response; larger ones are read from their download URL.
func (f *Fetcher) Download(ctx context.Context, relativePath string) ([]byte, error) {
	fullPath := path.Join(f.basePath, relativePath)

	fileContent, _, _, err := f.client.Repositories.GetContents(ctx, f.owner, f.repo, fullPath, f.getOpts())
	if err != nil {
		return nil, fmt.Errorf("failed to get content of %s: %w", fullPath, err)
	}
	if fileContent == nil {
		return nil, fmt.Errorf("no file content returned for %s", fullPath)
	}

	if raw := fileContent.Content; raw != nil && *raw != "" {
		content, err := fileContent.GetContent()
		if err != nil {
			return nil, fmt.Errorf("failed to decode content of %s: %w", fullPath, err)
		}
		return []byte(content), nil
	}

	url := fileContent.GetDownloadURL()
	if url == "" {
		return nil, fmt.Errorf("no download URL for %s", fullPath)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Client.Client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fullPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", fullPath, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// LatestCommitSHA returns the SHA of the newest commit touching basePath.
func (f *Fetcher) LatestCommitSHA(ctx context.Context) (string, error) {
	commits, _, err := f.client.Repositories.ListCommits(ctx, f.owner, f.repo, &github.CommitsListOptions{
		SHA:         f.ref,
		Path:        f.basePath,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return "", fmt.Errorf("failed to get latest commit: %w", err)
	}
	if len(commits) == 0 || commits[0].SHA == nil {
		return "", fmt.Errorf("no commits found for path %s", f.basePath)
	}
	return commits[0].GetSHA(), nil
}

// CommitsBehind reports how many commits ref is ahead of base.
func (f *Fetcher) CommitsBehind(ctx context.Context, base string) (int, error) {
	head := f.ref
	if head == "" {
		head = "HEAD"
	}
	comparison, _, err := f.client.Repositories.CompareCommits(ctx, f.owner, f.repo, base, head, nil)
	if err != nil {
		return 0, err
	}
	return comparison.GetAheadBy(), nil
}

// Sync mirrors the listed sources into destDir. Files whose blob SHA
// matches the previous manifest are skipped. Files that disappeared
// upstream are removed locally.
func (f *Fetcher) Sync(ctx context.Context, destDir string) (*FetchReport, error) {
	start := time.Now()
	report := &FetchReport{}

	prev, err := ReadManifest(destDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logger.Warn("ignoring unreadable manifest", "error", err)
	}

	sources, err := f.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	report.Listed = len(sources)

	sha, err := f.LatestCommitSHA(ctx)
	if err != nil {
		return nil, err
	}
	report.CommitSHA = sha

	manifest := &Manifest{
		Owner:     f.owner,
		Repo:      f.repo,
		BasePath:  f.basePath,
		Ref:       f.ref,
		CommitSHA: sha,
		Files:     make(map[string]string, len(sources)),
	}

	for _, src := range sources {
		local, err := localPath(destDir, src.Path)
		if err != nil {
			return nil, err
		}
		manifest.Files[src.Path] = src.SHA

		if prev != nil && prev.Files[src.Path] == src.SHA {
			if _, err := os.Stat(local); err == nil {
				report.Unchanged++
				continue
			}
		}

		data, err := f.Download(ctx, src.Path)
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(local, data); err != nil {
			return nil, err
		}
		report.Downloaded++
		f.logger.Info("Fetched source", "path", src.Path, "bytes", len(data))
	}

	if prev != nil {
		for rel := range prev.Files {
			if _, ok := manifest.Files[rel]; ok {
				continue
			}
			if local, err := localPath(destDir, rel); err == nil {
				if err := os.Remove(local); err == nil {
					report.Removed++
				}
			}
		}
	}

	manifest.FetchedAt = time.Now().UTC()
	if err := WriteManifest(destDir, manifest); err != nil {
		return nil, err
	}
	report.Duration = time.Since(start)
	return report, nil
}

// ReadManifest loads the manifest of destDir. A missing manifest returns
// an error matching os.ErrNotExist.
func ReadManifest(destDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(destDir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// WriteManifest stores m in destDir.
func WriteManifest(destDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(destDir, ManifestFile), data)
}

// localPath maps a slash separated relative path into destDir and rejects
// paths escaping it.
func localPath(destDir, rel string) (string, error) {
	clean := path.Clean("/" + rel)[1:]
	if clean == "" || clean != rel {
		return "", fmt.Errorf("refusing unsafe source path %q", rel)
	}
	return filepath.Join(destDir, filepath.FromSlash(clean)), nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
