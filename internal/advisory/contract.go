// Package advisory asks an LLM-backed service for a package recommendation and
// falls back to the deterministic optimizer whenever that fails.
package advisory

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// DrugInfo describes the resolved drug to the advisory service
type DrugInfo struct {
	GenericName string `json:"genericName"`
	ID          string `json:"id"`
	BrandName   string `json:"brandName,omitempty"`
	DosageForm  string `json:"dosageForm,omitempty"`
	Strength    string `json:"strength,omitempty"`
}

// PrescriptionInfo is the structured prescription
type PrescriptionInfo struct {
	Directions     string `json:"directions"`
	DaysSupply     int    `json:"daysSupply"`
	QuantityNeeded int    `json:"quantityNeeded"`
}

// AvailablePackage is a package the service may choose from
type AvailablePackage struct {
	Code     string  `json:"code"`
	Size     float64 `json:"size"`
	Unit     string  `json:"unit"`
	Labeler  string  `json:"labeler"`
	IsActive bool    `json:"isActive"`
}

// Request is sent to the advisory service.
type Request struct {
	Drug              DrugInfo           `json:"drug"`
	Prescription      PrescriptionInfo   `json:"prescription"`
	AvailablePackages []AvailablePackage `json:"availablePackages"`
	Context           string             `json:"context,omitempty"`
}

// Choice is one package choice in a response
type Choice struct {
	Code               string   `json:"code"`
	Size               float64  `json:"size"`
	Unit               string   `json:"unit"`
	QuantityToDispense float64  `json:"quantityToDispense"`
	Reasoning          string   `json:"reasoning"`
	ConfidenceScore    *float64 `json:"confidenceScore,omitempty"`
}

// Reasoning is the response's reasoning block
type Reasoning struct {
	Factors        []string `json:"factors"`
	Considerations []string `json:"considerations"`
	Rationale      string   `json:"rationale"`
}

// CostEfficiency is the optional cost rating
type CostEfficiency struct {
	EstimatedWaste float64 `json:"estimatedWaste"`
	Rating         string  `json:"rating"`
}

// Response is a validated advisory response.
type Response struct {
	PrimaryRecommendation Choice          `json:"primaryRecommendation"`
	Alternatives          []Choice        `json:"alternatives"`
	Reasoning             Reasoning       `json:"reasoning"`
	CostEfficiency        *CostEfficiency `json:"costEfficiency,omitempty"`
}

// Ratings accepted for costEfficiency.rating
var Ratings = []string{"low", "medium", "high"}

// ValidationError describes the first field that failed validation.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid advisory response: %s %s", e.Field, e.Problem)
}

func invalid(field, problem string) error {
	return &ValidationError{Field: field, Problem: problem}
}

// ParseResponse validates a raw service reply field by field against req.
// The primary choice must name an active available package and cover the
// quantity needed.
func ParseResponse(raw string, req Request) (*Response, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, invalid("body", "contains no JSON object")
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, invalid("body", "is not valid JSON: "+err.Error())
	}

	primaryObj, ok := doc["primaryRecommendation"].(map[string]interface{})
	if !ok {
		return nil, invalid("primaryRecommendation", "must be an object")
	}
	primary, err := parseChoice("primaryRecommendation", primaryObj, true)
	if err != nil {
		return nil, err
	}

	rawAlts, ok := doc["alternatives"].([]interface{})
	if !ok {
		return nil, invalid("alternatives", "must be a list")
	}
	alts := make([]Choice, 0, len(rawAlts))
	for i, a := range rawAlts {
		field := fmt.Sprintf("alternatives[%d]", i)
		obj, ok := a.(map[string]interface{})
		if !ok {
			return nil, invalid(field, "must be an object")
		}
		c, err := parseChoice(field, obj, false)
		if err != nil {
			return nil, err
		}
		alts = append(alts, c)
	}

	reasoningObj, ok := doc["reasoning"].(map[string]interface{})
	if !ok {
		return nil, invalid("reasoning", "must be an object")
	}
	reasoning, err := parseReasoning(reasoningObj)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		PrimaryRecommendation: primary,
		Alternatives:          alts,
		Reasoning:             reasoning,
	}

	if v, present := doc["costEfficiency"]; present && v != nil {
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil, invalid("costEfficiency", "must be an object")
		}
		ce, err := parseCostEfficiency(obj)
		if err != nil {
			return nil, err
		}
		resp.CostEfficiency = ce
	}

	if err := checkAgainstRequest(resp.PrimaryRecommendation, req); err != nil {
		return nil, err
	}
	return resp, nil
}

// extractJSON trims prose and code fences around the outermost JSON object.
func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return ""
	}
	return raw[start : end+1]
}

func parseChoice(field string, obj map[string]interface{}, requireConfidence bool) (Choice, error) {
	var c Choice
	var err error

	if c.Code, err = nonEmptyString(obj, field+".code"); err != nil {
		return c, err
	}
	if c.Size, err = positiveNumber(obj, field+".size"); err != nil {
		return c, err
	}
	if c.Unit, err = stringField(obj, field+".unit"); err != nil {
		return c, err
	}
	if c.QuantityToDispense, err = positiveNumber(obj, field+".quantityToDispense"); err != nil {
		return c, err
	}
	if c.Reasoning, err = stringField(obj, field+".reasoning"); err != nil {
		return c, err
	}

	v, present := obj["confidenceScore"]
	if !present || v == nil {
		if requireConfidence {
			return c, invalid(field+".confidenceScore", "is required")
		}
		return c, nil
	}
	score, ok := v.(float64)
	if !ok || math.IsNaN(score) || score < 0 || score > 1 {
		return c, invalid(field+".confidenceScore", "must be a number between 0 and 1")
	}
	c.ConfidenceScore = &score
	return c, nil
}

func parseReasoning(obj map[string]interface{}) (Reasoning, error) {
	var r Reasoning
	var err error
	if r.Factors, err = stringList(obj, "reasoning.factors"); err != nil {
		return r, err
	}
	if r.Considerations, err = stringList(obj, "reasoning.considerations"); err != nil {
		return r, err
	}
	if r.Rationale, err = stringField(obj, "reasoning.rationale"); err != nil {
		return r, err
	}
	return r, nil
}

func parseCostEfficiency(obj map[string]interface{}) (*CostEfficiency, error) {
	waste, ok := obj["estimatedWaste"].(float64)
	if !ok || waste < 0 {
		return nil, invalid("costEfficiency.estimatedWaste", "must be a non-negative number")
	}
	rating, ok := obj["rating"].(string)
	if !ok {
		return nil, invalid("costEfficiency.rating", "must be a string")
	}
	rating = strings.ToLower(strings.TrimSpace(rating))
	for _, allowed := range Ratings {
		if rating == allowed {
			return &CostEfficiency{EstimatedWaste: waste, Rating: rating}, nil
		}
	}
	return nil, invalid("costEfficiency.rating", "must be one of "+strings.Join(Ratings, ", "))
}

func checkAgainstRequest(primary Choice, req Request) error {
	pkg, ok := findPackage(req, primary.Code)
	if !ok {
		return invalid("primaryRecommendation.code", fmt.Sprintf("%q is not an available package", primary.Code))
	}
	if !pkg.IsActive {
		return invalid("primaryRecommendation.code", fmt.Sprintf("%q is not actively marketed", primary.Code))
	}
	if err := wholePackages("primaryRecommendation", primary, pkg.Size); err != nil {
		return err
	}
	if primary.QuantityToDispense < float64(req.Prescription.QuantityNeeded) {
		return invalid("primaryRecommendation.quantityToDispense",
			fmt.Sprintf("%g does not cover the %d needed", primary.QuantityToDispense, req.Prescription.QuantityNeeded))
	}
	if primary.QuantityToDispense != float64(req.Prescription.QuantityNeeded) {
		for _, p := range req.AvailablePackages {
			if p.IsActive && p.Size == float64(req.Prescription.QuantityNeeded) {
				return invalid("primaryRecommendation.code",
					fmt.Sprintf("wastes %g while exact-size package %s is available",
						primary.QuantityToDispense-float64(req.Prescription.QuantityNeeded), p.Code))
			}
		}
	}
	return nil
}

// wholePackages rejects a choice whose size disagrees with the catalog or
// whose quantity would split a package
func wholePackages(field string, c Choice, size float64) error {
	if size <= 0 {
		return invalid(field+".code", fmt.Sprintf("%q has no known package size", c.Code))
	}
	if math.Abs(c.Size-size) > 1e-9 {
		return invalid(field+".size", fmt.Sprintf("%g does not match the catalog size %g", c.Size, size))
	}
	n := math.Round(c.QuantityToDispense / size)
	if n < 1 || math.Abs(n*size-c.QuantityToDispense) > 1e-6 {
		return invalid(field+".quantityToDispense",
			fmt.Sprintf("%g is not a whole number of %g-unit packages", c.QuantityToDispense, size))
	}
	return nil
}

func findPackage(req Request, code string) (AvailablePackage, bool) {
	for _, p := range req.AvailablePackages {
		if p.Code == code {
			return p, true
		}
	}
	return AvailablePackage{}, false
}

func stringField(obj map[string]interface{}, field string) (string, error) {
	key := field[strings.LastIndexByte(field, '.')+1:]
	s, ok := obj[key].(string)
	if !ok {
		return "", invalid(field, "must be a string")
	}
	return s, nil
}

func nonEmptyString(obj map[string]interface{}, field string) (string, error) {
	s, err := stringField(obj, field)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", invalid(field, "must not be empty")
	}
	return strings.TrimSpace(s), nil
}

func positiveNumber(obj map[string]interface{}, field string) (float64, error) {
	key := field[strings.LastIndexByte(field, '.')+1:]
	n, ok := obj[key].(float64)
	if !ok || !(n > 0) {
		return 0, invalid(field, "must be a positive number")
	}
	return n, nil
}

func stringList(obj map[string]interface{}, field string) ([]string, error) {
	key := field[strings.LastIndexByte(field, '.')+1:]
	raw, ok := obj[key].([]interface{})
	if !ok {
		return nil, invalid(field, "must be a list of strings")
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, invalid(field, "must be a list of strings")
		}
		out = append(out, s)
	}
	return out, nil
}
