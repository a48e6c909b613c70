package openfda

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/drfirst/go-ndc/pkg/retry"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := retry.DefaultConfig("openfda")
	cfg.MaxRetries = 1
	return NewClient(srv.URL, "secret", retry.New(cfg, srv.Client(), nil), nil)
}

func TestSearchByIdentity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/drug/ndc.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("search") != `openfda.rxcui:"314076"` {
			t.Errorf("unexpected search %q", q.Get("search"))
		}
		if q.Get("limit") != "2" || q.Get("skip") != "4" || q.Get("api_key") != "secret" {
			t.Errorf("unexpected query %v", q)
		}
		w.Write([]byte(`{"meta":{"results":{"skip":4,"limit":2,"total":7}},"results":[{
			"product_ndc":"68180-513",
			"generic_name":"Lisinopril",
			"dosage_form":"TABLET",
			"route":["ORAL"],
			"labeler_name":"Lupin Pharmaceuticals, Inc.",
			"product_type":"HUMAN PRESCRIPTION DRUG",
			"active_ingredients":[{"name":"LISINOPRIL","strength":"10 mg/1"}],
			"packaging":[{"package_ndc":"68180-513-01","description":"90 TABLET in 1 BOTTLE (68180-513-01)","marketing_start_date":"20020701"}]
		}]}`))
	})

	res, err := c.SearchByIdentity(context.Background(), "314076", 2, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 7 || len(res.Results) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	p := res.Results[0]
	if p.Labeler != "Lupin Pharmaceuticals, Inc." || len(p.Packaging) != 1 || p.Packaging[0].MarketingStartDate != "20020701" {
		t.Errorf("unexpected product %+v", p)
	}
}

func TestSearchByIdentityNotFoundIsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"No matches found!"}}`))
	})

	res, err := c.SearchByIdentity(context.Background(), "0", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Results) != 0 || res.Limit != MaxLimit {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSearchByIdentityUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if _, err := c.SearchByIdentity(context.Background(), "1", 10, 0); err == nil {
		t.Fatal("expected error")
	}
}
