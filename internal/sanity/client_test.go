package sanity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		BaseURL:    server.URL,
		Dataset:    "production",
		APIVersion: "v2024-05-01",
		Token:      "secret-token",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func TestQueryEncodesParamsAndDecodesResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2024-05-01/data/query/production" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		query := r.URL.Query()
		if query.Get("query") != `*[_type == "order" && user._ref == $userId]` {
			t.Errorf("unexpected query %q", query.Get("query"))
		}
		if query.Get("$userId") != `"user-1"` {
			t.Errorf("expected JSON encoded param, got %q", query.Get("$userId"))
		}
		if query.Get("$limit") != `10` {
			t.Errorf("expected numeric param, got %q", query.Get("$limit"))
		}
		_, _ = io.WriteString(w, `{"ms":3,"result":[{"_id":"order-1"},{"_id":"order-2"}]}`)
	})

	var orders []struct {
		ID string `json:"_id"`
	}
	err := client.Query(context.Background(), `*[_type == "order" && user._ref == $userId]`, map[string]any{
		"userId": "user-1",
		"$limit": 10,
	}, &orders)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(orders) != 2 || orders[1].ID != "order-2" {
		t.Fatalf("unexpected result %+v", orders)
	}
}

func TestQueryNullResultLeavesOutputUntouched(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"result":null}`)
	})

	var document *struct {
		ID string `json:"_id"`
	}
	if err := client.Query(context.Background(), `*[_id == "missing"][0]`, nil, &document); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if document != nil {
		t.Fatalf("expected nil document, got %+v", document)
	}
}

func TestQueryReturnsAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"type":"queryParseError","description":"unexpected token"}}`)
	})

	err := client.Query(context.Background(), `*[`, nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Type != "queryParseError" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestMutateSendsTransaction(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v2024-05-01/data/mutate/production" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("returnIds") != "true" {
			t.Errorf("expected returnIds flag")
		}
		var payload struct {
			Mutations []map[string]json.RawMessage `json:"mutations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(payload.Mutations) != 3 {
			t.Errorf("expected 3 mutations, got %d", len(payload.Mutations))
		}
		if _, ok := payload.Mutations[0]["createIfNotExists"]; !ok {
			t.Errorf("expected createIfNotExists first, got %v", payload.Mutations[0])
		}
		patch := string(payload.Mutations[1]["patch"])
		if !strings.Contains(patch, `"inc":{"rewardPoints":5}`) || !strings.Contains(patch, `"set":{"status":"paid"}`) {
			t.Errorf("unexpected patch %s", patch)
		}
		if string(payload.Mutations[2]["delete"]) != `{"id":"address-1"}` {
			t.Errorf("unexpected delete %s", payload.Mutations[2]["delete"])
		}
		_, _ = io.WriteString(w, `{"transactionId":"tx-1","results":[{"id":"user-1","operation":"create"},{"id":"order-1","operation":"update"},{"id":"address-1","operation":"delete"}]}`)
	})

	result, err := client.Mutate(context.Background(),
		CreateIfNotExists(Document{"_id": "user-1", "_type": "user"}),
		NewPatch("order-1").SetField("status", "paid").IncField("rewardPoints", 5).Mutation(),
		Delete("address-1"),
	)
	if err != nil {
		t.Fatalf("mutate failed: %v", err)
	}
	if result.TransactionID != "tx-1" {
		t.Fatalf("unexpected transaction id %q", result.TransactionID)
	}
	ids := result.DocumentIDs()
	if len(ids) != 3 || ids[2] != "address-1" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestMutateRejectsEmptyTransaction(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request")
	})
	if _, err := client.Mutate(context.Background()); !errors.Is(err, errNoMutations) {
		t.Fatalf("expected errNoMutations, got %v", err)
	}
}

func TestMutateConflictIsDetectable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":"Conflict","message":"Document has been modified","statusCode":409}`)
	})

	_, err := client.Mutate(context.Background(), NewPatch("order-1").IfRevision("rev-1").SetField("status", "paid").Mutation())
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Description != "Document has been modified" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(Config{Dataset: "production"}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config for missing project, got %v", err)
	}
	if _, err := NewClient(Config{ProjectID: "abc123"}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config for missing dataset, got %v", err)
	}

	client, err := NewClient(Config{ProjectID: "abc123", Dataset: "production", UseCDN: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.queryBase != "https://abc123.apicdn.sanity.io" || client.mutateBase != "https://abc123.api.sanity.io" {
		t.Fatalf("unexpected hosts %s %s", client.queryBase, client.mutateBase)
	}
	if client.apiVersion != defaultAPIVersion {
		t.Fatalf("expected default api version, got %s", client.apiVersion)
	}
}

func TestPatchBuilders(t *testing.T) {
	patch := NewPatch("user-1").
		SetFieldIfMissing("addresses", []any{}).
		AppendItems("addresses", map[string]any{"_key": "k1"}).
		UnsetField("legacy")
	encoded, err := json.Marshal(patch.Mutation())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"patch":{"id":"user-1","setIfMissing":{"addresses":[]},"unset":["legacy"],"insert":{"after":"addresses[-1]","items":[{"_key":"k1"}]}}}`
	if string(encoded) != want {
		t.Fatalf("unexpected encoding:\n got %s\nwant %s", encoded, want)
	}

	if key := NewKey(); len(key) != 12 {
		t.Fatalf("expected 12 character key, got %q", key)
	}
	if id := NewDocumentID("order"); !strings.HasPrefix(id, "order-") {
		t.Fatalf("expected prefixed id, got %q", id)
	}
}
