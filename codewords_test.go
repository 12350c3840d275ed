package main

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
)

func newDictionaryAPI(t *testing.T, source WordSource) *httptest.Server {
	t.Helper()

	cfg := &Config{}
	mux := httprouter.New()
	mux.GET("/api/dictionary/count", serveWordCount(cfg, source))
	mux.GET("/api/dictionary/words", serveWordRange(cfg, source))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDictionaryCountEndpoint(t *testing.T) {
	srv := newDictionaryAPI(t, poolOf(40))

	resp, err := srv.Client().Get(srv.URL + "/api/dictionary/count")
	if err != nil {
		t.Fatalf("GET count: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Count != 40 {
		t.Errorf("count = %d, want 40", body.Count)
	}
}

func TestDictionaryWordsEndpoint(t *testing.T) {
	srv := newDictionaryAPI(t, poolOf(40))

	resp, err := srv.Client().Get(srv.URL + "/api/dictionary/words?offset=10&limit=25")
	if err != nil {
		t.Fatalf("GET words: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var words []DictionaryWord
	if err := json.NewDecoder(resp.Body).Decode(&words); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(words) != 25 {
		t.Fatalf("got %d words, want 25", len(words))
	}
	if words[0].ID != 11 {
		t.Errorf("first id = %d, want 11", words[0].ID)
	}
}

func TestDictionaryWordsEndpointValidation(t *testing.T) {
	srv := newDictionaryAPI(t, poolOf(40))

	for _, query := range []string{
		"offset=-1&limit=25",
		"offset=0&limit=0",
		"offset=0&limit=101",
		"offset=abc&limit=25",
		"limit=25",
	} {
		resp, err := srv.Client().Get(srv.URL + "/api/dictionary/words?" + query)
		if err != nil {
			t.Fatalf("GET words?%s: %v", query, err)
		}
		resp.Body.Close()
		if resp.StatusCode != 400 {
			t.Errorf("words?%s status = %d, want 400", query, resp.StatusCode)
		}
	}
}

func TestDictionaryUnavailable(t *testing.T) {
	srv := newDictionaryAPI(t, failingSource{})

	resp, err := srv.Client().Get(srv.URL + "/api/dictionary/count")
	if err != nil {
		t.Fatalf("GET count: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 500 {
		t.Errorf("count status = %d, want 500", resp.StatusCode)
	}
}

func TestNewRoomIDShape(t *testing.T) {
	broker := newRelayBroker(0)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := newRoomID(broker)
		if len(id) != 8 {
			t.Fatalf("room id %q has length %d, want 8", id, len(id))
		}
		seen[id] = true
	}
	if len(seen) < 45 {
		t.Errorf("only %d distinct ids out of 50", len(seen))
	}
}
