package noderesolve

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charon-vfx/charon/internal/http/mocks"
)

func jsonResponse(body string, status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestFetchCatalogAssemblesPacksMappingsAndNamePatterns(t *testing.T) {
	client := &mocks.MockClient{
		DoFn: func(req *http.Request) (*http.Response, error) {
			switch {
			case strings.HasSuffix(req.URL.String(), getListPath):
				return jsonResponse(`{"node_packs":{"pack-a":{"title":"Pack A","author":"someone","last_update":"2026-01-01","nodename_pattern":"^ImpactA.*","repository":"https://github.com/a/a","files":["https://github.com/a/a"]}}}`, http.StatusOK), nil
			case strings.HasSuffix(req.URL.String(), getMappingsPath):
				return jsonResponse(`{"https://github.com/a/a":[["NodeA","NodeB"],{}]}`, http.StatusOK), nil
			default:
				t.Fatalf("unexpected request to %s", req.URL)
				return nil, nil
			}
		},
	}

	cat, err := FetchCatalog(context.Background(), client, "https://manager.example")
	require.NoError(t, err)

	require.Contains(t, cat.Packs, "https://github.com/a/a")
	assert.Equal(t, "Pack A", cat.Packs["https://github.com/a/a"].Title)
	assert.ElementsMatch(t, []string{"https://github.com/a/a"}, cat.ClassToPackIDs["NodeA"])
	assert.ElementsMatch(t, []string{"https://github.com/a/a"}, cat.ClassToPackIDs["NodeB"])

	require.Len(t, cat.NamePatterns, 1)
	assert.Equal(t, "https://github.com/a/a", cat.NamePatterns[0].Repo)
	assert.True(t, cat.NamePatterns[0].Pattern.MatchString("ImpactASampler"))
}

func TestFetchCatalogDerivesRepoFromFilesWhenRepositoryAbsent(t *testing.T) {
	client := &mocks.MockClient{
		DoFn: func(req *http.Request) (*http.Response, error) {
			switch {
			case strings.HasSuffix(req.URL.String(), getListPath):
				return jsonResponse(`{"node_packs":{"pack-b":{"title":"Pack B","files":["https://github.com/b/b"]}}}`, http.StatusOK), nil
			case strings.HasSuffix(req.URL.String(), getMappingsPath):
				return jsonResponse(`{}`, http.StatusOK), nil
			default:
				t.Fatalf("unexpected request to %s", req.URL)
				return nil, nil
			}
		},
	}

	cat, err := FetchCatalog(context.Background(), client, "https://manager.example")
	require.NoError(t, err)
	require.Contains(t, cat.Packs, "https://github.com/b/b")
	assert.Equal(t, "Pack B", cat.Packs["https://github.com/b/b"].Title)
}

func TestFetchCatalogSkipsPackWithNoRepoAndToleratesBadNodenamePattern(t *testing.T) {
	client := &mocks.MockClient{
		DoFn: func(req *http.Request) (*http.Response, error) {
			switch {
			case strings.HasSuffix(req.URL.String(), getListPath):
				return jsonResponse(`{"node_packs":{
					"pack-c":{"title":"No Repo"},
					"pack-d":{"title":"Pack D","repository":"https://github.com/d/d","nodename_pattern":"("}
				}}`, http.StatusOK), nil
			case strings.HasSuffix(req.URL.String(), getMappingsPath):
				return jsonResponse(`{}`, http.StatusOK), nil
			default:
				t.Fatalf("unexpected request to %s", req.URL)
				return nil, nil
			}
		},
	}

	cat, err := FetchCatalog(context.Background(), client, "https://manager.example")
	require.NoError(t, err)
	assert.NotContains(t, cat.Packs, "")
	require.Contains(t, cat.Packs, "https://github.com/d/d")
	assert.Empty(t, cat.NamePatterns, "an invalid nodename_pattern must not fail the whole fetch")
}

func TestFetchCatalogDegradesGracefullyOnBadMappings(t *testing.T) {
	client := &mocks.MockClient{
		DoFn: func(req *http.Request) (*http.Response, error) {
			switch {
			case strings.HasSuffix(req.URL.String(), getListPath):
				return jsonResponse(`{"node_packs":{"pack-a":{"title":"Pack A","repository":"https://github.com/a/a"}}}`, http.StatusOK), nil
			case strings.HasSuffix(req.URL.String(), getMappingsPath):
				return jsonResponse(`not json`, http.StatusOK), nil
			default:
				t.Fatalf("unexpected request to %s", req.URL)
				return nil, nil
			}
		},
	}

	cat, err := FetchCatalog(context.Background(), client, "https://manager.example")
	require.NoError(t, err)
	assert.Contains(t, cat.Packs, "https://github.com/a/a")
	assert.Empty(t, cat.ClassToPackIDs)
}

func TestFetchCatalogPropagatesGetListError(t *testing.T) {
	client := &mocks.MockClient{
		DoFn: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(`{}`, http.StatusInternalServerError), nil
		},
	}

	_, err := FetchCatalog(context.Background(), client, "https://manager.example")
	assert.Error(t, err)
}
