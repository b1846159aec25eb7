package validate

import (
	"bytes"
	"regexp"
)

// defaultLiterals are byte sequences that have no business appearing in the
// head of a legitimate image file. Matching is case-insensitive.
var defaultLiterals = []string{
	"<script",
	"</script",
	"<?php",
	"<%",
	"<iframe",
	"javascript:",
	"vbscript:",
	"base64_decode(",
	"shell_exec(",
	"passthru(",
	"document.cookie",
	"fromcharcode",
	"#!/bin/",
	"#!/usr/bin/",
}

// defaultPatterns catch obfuscated variants that literal matching misses.
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)on(error|load|click|mouseover)\s*=`),
}

// PatternScanner scans the head of a candidate file for embedded script
// markers and dangerous call patterns. It defends against polyglot files
// that are simultaneously valid images and valid scripts.
type PatternScanner struct {
	literals [][]byte
	patterns []*regexp.Regexp
	window   int
}

// NewPatternScanner creates a scanner over the first window bytes, with
// optional extra literal patterns on top of the built-in set.
func NewPatternScanner(window int, extra ...string) *PatternScanner {
	s := &PatternScanner{window: window}
	for _, lit := range defaultLiterals {
		s.literals = append(s.literals, []byte(lit))
	}
	for _, lit := range extra {
		s.literals = append(s.literals, bytes.ToLower([]byte(lit)))
	}
	s.patterns = defaultPatterns
	return s
}

// Scan checks data (truncated to the scan window) and returns the matched
// pattern, if any.
func (s *PatternScanner) Scan(data []byte) (string, bool) {
	if len(data) > s.window {
		data = data[:s.window]
	}
	lowered := bytes.ToLower(data)

	for _, lit := range s.literals {
		if bytes.Contains(lowered, lit) {
			return string(lit), true
		}
	}
	for _, re := range s.patterns {
		if loc := re.Find(data); loc != nil {
			return string(loc), true
		}
	}
	return "", false
}

// Window returns the scan window size in bytes.
func (s *PatternScanner) Window() int {
	return s.window
}
