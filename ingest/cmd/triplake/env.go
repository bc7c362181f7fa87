package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// envOverrides copies set environment variables over flag values. Each setter parses
// the raw value and reports which variable failed.
type envOverrides struct {
	getenv func(string) string
	err    error
}

func (e *envOverrides) lookup(name string) (string, bool) {
	v := strings.TrimSpace(e.getenv(name))
	return v, v != ""
}

func (e *envOverrides) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", name, err)
	}
}

func (e *envOverrides) String(dst *string, name string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envOverrides) Bool(dst *bool, name string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = b
}

func (e *envOverrides) Int(dst *int, name string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = n
}

func (e *envOverrides) Int64(dst *int64, name string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = n
}

func (e *envOverrides) Float64(dst *float64, name string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = f
}

func (e *envOverrides) Duration(dst *time.Duration, name string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = d
}

// StringSlice splits a comma-separated value.
func (e *envOverrides) StringSlice(dst *[]string, name string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

// parseReferenceDate accepts YYYY-MM-DD or RFC3339. Empty means now.
func parseReferenceDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid reference date %q (use YYYY-MM-DD or RFC3339)", s)
	}
	return t, nil
}
