package rxnorm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/pkg/retry"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	cfg := retry.DefaultConfig("rxnorm")
	cfg.MaxRetries = 1
	return NewClient(srv.URL, retry.New(cfg, srv.Client(), nil), nil)
}

func TestSearchByName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rxcui.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") != "lisinopril" {
			t.Errorf("unexpected name %q", r.URL.Query().Get("name"))
		}
		w.Write([]byte(`{"idGroup":{"name":"lisinopril","rxnormId":["29046","12345"]}}`))
	})
	c := newTestClient(t, mux)

	ids, err := c.SearchByName(context.Background(), "lisinopril", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "29046" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestGetApproximateMatchesParsesStrings(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/approximateTerm.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"approximateGroup":{"inputTerm":"lisinopirl","candidate":[
			{"rxcui":"29046","score":"75.5","rank":"1","name":"lisinopril"},
			{"rxcui":"314076","score":"60","rank":"2"},
			{"rxcui":"","score":"50","rank":"3"},
			{"rxcui":"999","score":"n/a","rank":"4"}
		]}}`))
	})
	c := newTestClient(t, mux)

	cands, err := c.GetApproximateMatches(context.Background(), "lisinopirl", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].Score != 75.5 || cands[0].Rank != 1 {
		t.Errorf("unexpected first candidate %+v", cands[0])
	}
	if cands[1].ID != "314076" || cands[1].Rank != 2 {
		t.Errorf("unexpected second candidate %+v", cands[1])
	}
}

func TestGetPropertiesNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rxcui/0/properties.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/rxcui/314076/properties.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"properties":{"rxcui":"314076","name":"lisinopril 10 MG Oral Tablet","synonym":"Lisinopril 10mg tab","tty":"SCD"}}`))
	})
	c := newTestClient(t, mux)

	if _, err := c.GetProperties(context.Background(), "0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	p, err := c.GetProperties(context.Background(), "314076")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TermType != dispense.TermClinicalDrug || p.Synonym == "" {
		t.Errorf("unexpected properties %+v", p)
	}
}

func TestSpellingAndRelated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/spellingsuggestions.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"suggestionGroup":{"name":"lisnopril","suggestionList":{"suggestion":["lisinopril","lisinopril oral"]}}}`))
	})
	mux.HandleFunc("/rxcui/314076/related.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tty") != "IN BN" {
			t.Errorf("unexpected tty %q", r.URL.Query().Get("tty"))
		}
		w.Write([]byte(`{"relatedGroup":{"conceptGroup":[
			{"tty":"IN","conceptProperties":[{"rxcui":"29046","name":"lisinopril","tty":"IN"}]},
			{"tty":"BN"}
		]}}`))
	})
	c := newTestClient(t, mux)

	sugg, err := c.GetSpellingSuggestions(context.Background(), "lisnopril")
	if err != nil || len(sugg) != 2 || sugg[0] != "lisinopril" {
		t.Fatalf("unexpected suggestions %v (%v)", sugg, err)
	}

	groups, err := c.GetRelatedConcepts(context.Background(), "314076",
		[]dispense.TermType{dispense.TermIngredient, dispense.TermBrandName})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 2 || len(groups[0].Members) != 1 || len(groups[1].Members) != 0 {
		t.Errorf("unexpected groups %+v", groups)
	}
}
