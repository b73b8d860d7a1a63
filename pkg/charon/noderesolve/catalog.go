// Package noderesolve matches a workflow's missing custom-node classes to
// installable repositories, drawing on the ComfyUI Manager's node catalog,
// workflow-embedded aux IDs, and a workflow folder's declared
// `.charon.json` dependencies, then installs the resolved repositories
// through the Manager UI via comfybridge.
package noderesolve

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	charonhttp "github.com/charon-vfx/charon/internal/http"
)

const (
	getListPath     = "/customnode/getlist"
	getMappingsPath = "/customnode/getmappings"

	errFetchCatalog  = "cannot fetch custom node catalog"
	errDecodeCatalog = "cannot decode custom node catalog response"
)

// PackMeta is catalog-reported metadata for a custom-node repository pack.
type PackMeta struct {
	Title      string `json:"title"`
	Author     string `json:"author"`
	LastUpdate string `json:"last_update"`
	Reference  string `json:"reference"`
}

// Catalog is the Manager's node-pack catalog plus its class→pack mapping
// and regex-based node-name matching rules, as queried from
// `/customnode/getlist` and `/customnode/getmappings`.
type Catalog struct {
	Packs          map[string]PackMeta // repo URL -> metadata
	ClassToPackIDs map[string][]string // node class name -> candidate repo URLs
	NamePatterns   []NamePattern
}

// NamePattern is one `nodename_pattern` regex rule mapping matching node
// class names to a repository.
type NamePattern struct {
	Pattern *regexp.Regexp
	Repo    string
}

// getListResponse mirrors the real `/customnode/getlist` shape: an object
// keyed by pack ID, not an array, with each pack's repo derived from
// `repository`, falling back to its first declared file URL.
type getListResponse struct {
	NodePacks map[string]struct {
		Title           string   `json:"title"`
		Author          string   `json:"author"`
		LastUpdate      string   `json:"last_update"`
		NodenamePattern string   `json:"nodename_pattern"`
		Files           []string `json:"files"`
		Repository      string   `json:"repository"`
	} `json:"node_packs"`
}

type getMappingsResponse map[string][]any // repo URL -> [ [class names...], {metadata} ]

// FetchCatalog queries managerBaseURL's getlist and getmappings endpoints
// and assembles a Catalog. Malformed or unreachable mapping data degrades
// gracefully to an empty mapping rather than failing the whole fetch, since
// the catalog is an optional enrichment over the metadata-dependency and
// aux-id matching paths.
func FetchCatalog(ctx context.Context, client charonhttp.Client, managerBaseURL string) (*Catalog, error) {
	listResp, err := fetchJSON[getListResponse](ctx, client, managerBaseURL+getListPath)
	if err != nil {
		return nil, err
	}

	cat := &Catalog{
		Packs:          make(map[string]PackMeta),
		ClassToPackIDs: make(map[string][]string),
	}
	for _, pack := range listResp.NodePacks {
		repo := pack.Repository
		if repo == "" && len(pack.Files) > 0 {
			repo = pack.Files[0]
		}
		if repo == "" {
			continue
		}

		cat.Packs[repo] = PackMeta{
			Title:      pack.Title,
			Author:     pack.Author,
			LastUpdate: pack.LastUpdate,
			Reference:  repo,
		}

		if pack.NodenamePattern == "" {
			continue
		}
		re, err := regexp.Compile(pack.NodenamePattern)
		if err != nil {
			continue
		}
		cat.NamePatterns = append(cat.NamePatterns, NamePattern{Pattern: re, Repo: repo})
	}

	mappingsResp, err := fetchJSON[getMappingsResponse](ctx, client, managerBaseURL+getMappingsPath)
	if err == nil {
		for repo, entry := range mappingsResp {
			if len(entry) == 0 {
				continue
			}
			classes, ok := entry[0].([]any)
			if !ok {
				continue
			}
			for _, c := range classes {
				className, ok := c.(string)
				if !ok {
					continue
				}
				cat.ClassToPackIDs[className] = append(cat.ClassToPackIDs[className], repo)
			}
		}
	}

	return cat, nil
}

func fetchJSON[T any](ctx context.Context, client charonhttp.Client, url string) (T, error) {
	var zero T

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return zero, errors.Wrap(err, errFetchCatalog)
	}
	resp, err := client.Do(req)
	if err != nil {
		return zero, errors.Wrap(err, errFetchCatalog)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, errors.Wrap(err, errFetchCatalog)
	}
	if resp.StatusCode != http.StatusOK {
		return zero, errors.Errorf("%s: unexpected status %d", errFetchCatalog, resp.StatusCode)
	}

	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return zero, errors.Wrap(err, errDecodeCatalog)
	}
	return out, nil
}
