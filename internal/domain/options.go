package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GenerationOptions holds per-instance sampling parameters. Nil fields are
// omitted so the backend applies its own defaults.
type GenerationOptions struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	NumPredict    *int     `json:"num_predict,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
}

func (o GenerationOptions) IsZero() bool {
	return o.Temperature == nil && o.TopP == nil && o.TopK == nil &&
		o.RepeatPenalty == nil && o.NumPredict == nil && o.Seed == nil
}

// Map returns the set options keyed by their backend names, or nil when none are set.
func (o GenerationOptions) Map() map[string]any {
	if o.IsZero() {
		return nil
	}
	m := make(map[string]any, 6)
	if o.Temperature != nil {
		m["temperature"] = *o.Temperature
	}
	if o.TopP != nil {
		m["top_p"] = *o.TopP
	}
	if o.TopK != nil {
		m["top_k"] = *o.TopK
	}
	if o.RepeatPenalty != nil {
		m["repeat_penalty"] = *o.RepeatPenalty
	}
	if o.NumPredict != nil {
		m["num_predict"] = *o.NumPredict
	}
	if o.Seed != nil {
		m["seed"] = *o.Seed
	}
	return m
}

// Number decodes a JSON number or a numeric string. NaN and infinities are
// rejected.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	f, err := parseNumber(data)
	if err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

func (n *Number) Float() *float64 {
	if n == nil {
		return nil
	}
	f := float64(*n)
	return &f
}

// Integer is a Number truncated toward zero. Values outside the int range
// fail to decode.
type Integer int

func (n *Integer) UnmarshalJSON(data []byte) error {
	f, err := parseNumber(data)
	if err != nil {
		return err
	}
	t := math.Trunc(f)
	if t < math.MinInt || t >= math.MaxInt {
		return fmt.Errorf("number %s out of range", data)
	}
	*n = Integer(t)
	return nil
}

func (n *Integer) Int() *int {
	if n == nil {
		return nil
	}
	i := int(*n)
	return &i
}

func parseNumber(data []byte) (float64, error) {
	data = bytes.TrimSpace(data)
	var f float64
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", s)
		}
		f = v
	} else if err := json.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("invalid number %s", data)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid number %s", data)
	}
	return f, nil
}
