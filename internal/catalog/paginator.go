package catalog

import (
	"context"
	"net/url"
	"strconv"
	"sync"

	"github.com/robertpelloni/picard/internal/logctx"
	"golang.org/x/sync/errgroup"
)

// NodeType distinguishes the two levels of the catalog tree.
type NodeType string

const (
	NodeReleaseGroup NodeType = "release_group"
	NodeRelease      NodeType = "release"
)

// CatalogNode is one entry of an artist's release tree. Immutable once
// produced.
type CatalogNode struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Title    string   `json:"title"`
	ParentID string   `json:"parent_id,omitempty"`
}

// Result is a discography fetch outcome. Truncated marks a best-effort
// partial set: some pages kept failing after retries, but everything fetched
// so far is still returned so callers can render it.
type Result struct {
	ArtistID  string        `json:"artist_id"`
	Nodes     []CatalogNode `json:"nodes"`
	Truncated bool          `json:"truncated"`
}

// concurrent release-group expansions; the client's shared rate limiter
// still caps the request rate
const releaseWorkers = 3

// Paginator walks the paged catalog API to enumerate an artist's entire
// release-group/release tree.
type Paginator struct {
	client          *Client
	pageSize        int
	includeReleases bool
}

func NewPaginator(client *Client, pageSize int, includeReleases bool) *Paginator {
	if pageSize <= 0 {
		pageSize = 100
	}

	return &Paginator{
		client:          client,
		pageSize:        pageSize,
		includeReleases: includeReleases,
	}
}

type releaseGroupPage struct {
	Count  int `json:"release-group-count"`
	Groups []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"release-groups"`
}

type releasePage struct {
	Count    int `json:"release-count"`
	Releases []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"releases"`
}

// FetchAll enumerates every release group for the artist and, when release
// expansion is on, every release underneath. Nodes are deduplicated by id:
// pagination drift under concurrent catalog writes can repeat an item across
// pages. A page that keeps failing truncates the result instead of
// discarding the progress made so far.
func (p *Paginator) FetchAll(ctx context.Context, artistID string) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("artist_id", artistID)

	result := &Result{ArtistID: artistID}
	seen := make(map[string]struct{})

	groups, truncated := p.fetchReleaseGroups(ctx, artistID)
	result.Truncated = truncated

	for _, node := range groups {
		if _, dup := seen[node.ID]; dup {
			continue
		}

		seen[node.ID] = struct{}{}
		result.Nodes = append(result.Nodes, node)
	}

	if !p.includeReleases {
		logger.Debug("discography fetched", "release_groups", len(result.Nodes), "truncated", result.Truncated)

		return result, nil
	}

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(releaseWorkers)

	for _, node := range groups {
		g.Go(func() error {
			releases, releasesTruncated := p.fetchReleases(gctx, node.ID)

			mu.Lock()
			defer mu.Unlock()

			if releasesTruncated {
				result.Truncated = true
			}

			for _, rel := range releases {
				if _, dup := seen[rel.ID]; dup {
					continue
				}

				seen[rel.ID] = struct{}{}
				result.Nodes = append(result.Nodes, rel)
			}

			return nil
		})
	}

	g.Wait()

	logger.Debug("discography fetched", "nodes", len(result.Nodes), "truncated", result.Truncated)

	return result, ctx.Err()
}

// fetchReleaseGroups pages through an artist's release groups until a short
// page or the reported count is reached.
func (p *Paginator) fetchReleaseGroups(ctx context.Context, artistID string) ([]CatalogNode, bool) {
	var nodes []CatalogNode

	for offset := 0; ; {
		query := url.Values{}
		query.Set("artist", artistID)
		query.Set("limit", strconv.Itoa(p.pageSize))
		query.Set("offset", strconv.Itoa(offset))

		var page releaseGroupPage
		if err := p.client.getWithRetry(ctx, "/release-group", query, &page); err != nil {
			logctx.LoggerFromContext(ctx).Warn("release group page failed, truncating",
				"artist_id", artistID, "offset", offset, "err", err)

			return nodes, true
		}

		for _, rg := range page.Groups {
			nodes = append(nodes, CatalogNode{
				ID:       rg.ID,
				Type:     NodeReleaseGroup,
				Title:    rg.Title,
				ParentID: artistID,
			})
		}

		offset += len(page.Groups)

		if len(page.Groups) < p.pageSize || (page.Count > 0 && offset >= page.Count) {
			return nodes, false
		}
	}
}

// fetchReleases pages through one release group's releases.
func (p *Paginator) fetchReleases(ctx context.Context, releaseGroupID string) ([]CatalogNode, bool) {
	var nodes []CatalogNode

	for offset := 0; ; {
		query := url.Values{}
		query.Set("release-group", releaseGroupID)
		query.Set("limit", strconv.Itoa(p.pageSize))
		query.Set("offset", strconv.Itoa(offset))

		var page releasePage
		if err := p.client.getWithRetry(ctx, "/release", query, &page); err != nil {
			logctx.LoggerFromContext(ctx).Warn("release page failed, truncating",
				"release_group_id", releaseGroupID, "offset", offset, "err", err)

			return nodes, true
		}

		for _, rel := range page.Releases {
			nodes = append(nodes, CatalogNode{
				ID:       rel.ID,
				Type:     NodeRelease,
				Title:    rel.Title,
				ParentID: releaseGroupID,
			})
		}

		offset += len(page.Releases)

		if len(page.Releases) < p.pageSize || (page.Count > 0 && offset >= page.Count) {
			return nodes, false
		}
	}
}
