// Package rxnorm provides a client for the RxNav REST identity catalog.
package rxnorm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/pkg/retry"
)

// DefaultBaseURL is the public RxNav REST endpoint
const DefaultBaseURL = "https://rxnav.nlm.nih.gov/REST"

// ErrNotFound is returned when the catalog has no record for the identifier
var ErrNotFound = errors.New("rxnorm: concept not found")

// Candidate is one approximate-match result
type Candidate struct {
	ID    string  `json:"rxcui"`
	Name  string  `json:"name,omitempty"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// Properties are the core properties of a concept
type Properties struct {
	ID       string            `json:"rxcui"`
	Name     string            `json:"name"`
	TermType dispense.TermType `json:"tty"`
	Synonym  string            `json:"synonym,omitempty"`
}

// ConceptGroup is a set of related concepts sharing a term type
type ConceptGroup struct {
	TermType dispense.TermType `json:"tty"`
	Members  []Properties      `json:"members"`
}

// Client talks to RxNav through the resilient caller.
type Client struct {
	baseURL string
	caller  *retry.Caller
	logger  *zap.Logger
}

// NewClient creates a new RxNav client
func NewClient(baseURL string, caller *retry.Caller, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		caller:  caller,
		logger:  logger,
	}
}

// SearchByName returns identifiers whose normalized name exactly matches name.
func (c *Client) SearchByName(ctx context.Context, name string, maxEntries int) ([]string, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("search", "2") // normalized string match

	var body struct {
		IDGroup struct {
			RxNormID []string `json:"rxnormId"`
		} `json:"idGroup"`
	}
	if err := c.getJSON(ctx, "/rxcui.json", q, &body); err != nil {
		return nil, err
	}

	ids := body.IDGroup.RxNormID
	if maxEntries > 0 && len(ids) > maxEntries {
		ids = ids[:maxEntries]
	}
	return ids, nil
}

// GetApproximateMatches returns ranked fuzzy candidates for term.
func (c *Client) GetApproximateMatches(ctx context.Context, term string, maxEntries, option int) ([]Candidate, error) {
	q := url.Values{}
	q.Set("term", term)
	if maxEntries > 0 {
		q.Set("maxEntries", strconv.Itoa(maxEntries))
	}
	if option > 0 {
		q.Set("option", strconv.Itoa(option))
	}

	var body struct {
		ApproximateGroup struct {
			Candidate []struct {
				RxCUI string `json:"rxcui"`
				Name  string `json:"name"`
				Score string `json:"score"`
				Rank  string `json:"rank"`
			} `json:"candidate"`
		} `json:"approximateGroup"`
	}
	if err := c.getJSON(ctx, "/approximateTerm.json", q, &body); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(body.ApproximateGroup.Candidate))
	for _, raw := range body.ApproximateGroup.Candidate {
		if raw.RxCUI == "" {
			continue
		}
		score, err := strconv.ParseFloat(raw.Score, 64)
		if err != nil {
			c.logger.Debug("skipping candidate with bad score",
				zap.String("rxcui", raw.RxCUI), zap.String("score", raw.Score))
			continue
		}
		rank, err := strconv.Atoi(raw.Rank)
		if err != nil || rank < 1 {
			rank = 1
		}
		out = append(out, Candidate{ID: raw.RxCUI, Name: raw.Name, Score: score, Rank: rank})
	}
	return out, nil
}

// GetSpellingSuggestions returns spelling corrections for name.
func (c *Client) GetSpellingSuggestions(ctx context.Context, name string) ([]string, error) {
	q := url.Values{}
	q.Set("name", name)

	var body struct {
		SuggestionGroup struct {
			SuggestionList struct {
				Suggestion []string `json:"suggestion"`
			} `json:"suggestionList"`
		} `json:"suggestionGroup"`
	}
	if err := c.getJSON(ctx, "/spellingsuggestions.json", q, &body); err != nil {
		return nil, err
	}
	return body.SuggestionGroup.SuggestionList.Suggestion, nil
}

// GetProperties returns the properties of a concept.
func (c *Client) GetProperties(ctx context.Context, id string) (*Properties, error) {
	var body struct {
		Properties *struct {
			RxCUI   string `json:"rxcui"`
			Name    string `json:"name"`
			Synonym string `json:"synonym"`
			TTY     string `json:"tty"`
		} `json:"properties"`
	}
	if err := c.getJSON(ctx, "/rxcui/"+url.PathEscape(id)+"/properties.json", nil, &body); err != nil {
		if retry.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if body.Properties == nil || body.Properties.RxCUI == "" {
		return nil, ErrNotFound
	}

	return &Properties{
		ID:       body.Properties.RxCUI,
		Name:     body.Properties.Name,
		TermType: dispense.TermType(body.Properties.TTY),
		Synonym:  body.Properties.Synonym,
	}, nil
}

// GetRelatedConcepts returns concepts related to id, grouped by term type.
func (c *Client) GetRelatedConcepts(ctx context.Context, id string, termTypes []dispense.TermType) ([]ConceptGroup, error) {
	ttys := make([]string, 0, len(termTypes))
	for _, tt := range termTypes {
		ttys = append(ttys, string(tt))
	}
	q := url.Values{}
	q.Set("tty", strings.Join(ttys, " "))

	var body struct {
		RelatedGroup struct {
			ConceptGroup []struct {
				TTY               string `json:"tty"`
				ConceptProperties []struct {
					RxCUI   string `json:"rxcui"`
					Name    string `json:"name"`
					Synonym string `json:"synonym"`
					TTY     string `json:"tty"`
				} `json:"conceptProperties"`
			} `json:"conceptGroup"`
		} `json:"relatedGroup"`
	}
	if err := c.getJSON(ctx, "/rxcui/"+url.PathEscape(id)+"/related.json", q, &body); err != nil {
		return nil, err
	}

	var groups []ConceptGroup
	for _, g := range body.RelatedGroup.ConceptGroup {
		group := ConceptGroup{TermType: dispense.TermType(g.TTY)}
		for _, p := range g.ConceptProperties {
			group.Members = append(group.Members, Properties{
				ID:       p.RxCUI,
				Name:     p.Name,
				TermType: dispense.TermType(p.TTY),
				Synonym:  p.Synonym,
			})
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := c.caller.Get(ctx, u, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("rxnorm: decode %s: %w", path, err)
	}
	return nil
}
