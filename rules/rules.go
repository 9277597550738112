// Package rules classifies intercepted requests into a resource class,
// which selects the cache partition and fetch strategy to use.
package rules

import (
	"net/http"
	"path"
	"strings"
)

// Strategy is the read policy applied to a classified request.
type Strategy string

const (
	// StrategyCacheFirst serves a fresh cached entry without touching the
	// network, fetching and storing only on a miss.
	StrategyCacheFirst Strategy = "cache-first"
	// StrategyNetworkFirst fetches from the network and falls back to the
	// cache on failure.
	StrategyNetworkFirst Strategy = "network-first"
)

// PartitionID names a logical cache partition.
type PartitionID string

const (
	PartitionImages  PartitionID = "images"
	PartitionStatic  PartitionID = "static"
	PartitionAPI     PartitionID = "api"
	PartitionRuntime PartitionID = "runtime"
)

// Kind is the coarse resource kind, used to pick the offline fallback:
// documents fall back to the pre-cached shell, API requests get a JSON 503.
type Kind string

const (
	KindAsset    Kind = "asset"
	KindDocument Kind = "document"
	KindAPI      Kind = "api"
)

// destinationHeader carries the content kind declared by the caller.
const destinationHeader = "Sec-Fetch-Dest"

// Rule maps a request shape to a partition and strategy.
// Exactly one of Pattern or Destination should be set.
type Rule struct {
	// Pattern matches the request path. Three forms are supported:
	// "*.png" style globs matched against the path basename,
	// "/api/*" style prefixes, and exact paths.
	Pattern string `yaml:"pattern"`
	// Destination matches the request's declared content kind
	// (the Sec-Fetch-Dest header), e.g. "image" or "document".
	Destination string `yaml:"destination"`

	Partition PartitionID `yaml:"partition"`
	Strategy  Strategy    `yaml:"strategy"`
}

func (r Rule) matches(urlPath, destination string) bool {
	if r.Destination != "" {
		return r.Destination == destination
	}
	if strings.HasSuffix(r.Pattern, "/*") {
		return strings.HasPrefix(urlPath, r.Pattern[:len(r.Pattern)-1])
	}
	if strings.HasPrefix(r.Pattern, "*") {
		ok, err := path.Match(r.Pattern, path.Base(urlPath))
		return err == nil && ok
	}
	return r.Pattern == urlPath
}

// Class is the outcome of classifying a request.
type Class struct {
	Partition PartitionID
	Strategy  Strategy
	Kind      Kind
}

// Classifier holds the ordered rule list and the exclusion list.
// Exclusions are checked before any rule.
type Classifier struct {
	// Exclusions are path substrings that must never be intercepted;
	// matching requests pass straight through to the origin.
	Exclusions []string
	// Rules are evaluated in order; first match wins.
	Rules []Rule
}

// Excluded reports whether the path must bypass the cache entirely.
func (c Classifier) Excluded(urlPath string) bool {
	for _, marker := range c.Exclusions {
		if strings.Contains(urlPath, marker) {
			return true
		}
	}
	return false
}

// Classify returns the resource class for a request.
// A request no rule matches gets the default class
// (runtime partition, network-first).
func (c Classifier) Classify(r *http.Request) Class {
	urlPath := r.URL.Path
	destination := r.Header.Get(destinationHeader)
	for _, rule := range c.Rules {
		if rule.matches(urlPath, destination) {
			return Class{
				Partition: rule.Partition,
				Strategy:  rule.Strategy,
				Kind:      kindOf(rule.Partition, destination),
			}
		}
	}
	return Class{
		Partition: PartitionRuntime,
		Strategy:  StrategyNetworkFirst,
		Kind:      kindOf(PartitionRuntime, destination),
	}
}

func kindOf(partition PartitionID, destination string) Kind {
	if partition == PartitionAPI {
		return KindAPI
	}
	if destination == "document" {
		return KindDocument
	}
	return KindAsset
}

// DefaultRules returns the built-in classification table.
func DefaultRules() []Rule {
	imageGlobs := []string{"*.png", "*.jpg", "*.jpeg", "*.webp", "*.gif", "*.svg", "*.ico"}
	staticGlobs := []string{"*.js", "*.mjs", "*.css", "*.woff*", "*.ttf"}

	rules := make([]Rule, 0, len(imageGlobs)+len(staticGlobs)+4)
	for _, glob := range imageGlobs {
		rules = append(rules, Rule{Pattern: glob, Partition: PartitionImages, Strategy: StrategyCacheFirst})
	}
	rules = append(rules, Rule{Destination: "image", Partition: PartitionImages, Strategy: StrategyCacheFirst})
	for _, glob := range staticGlobs {
		rules = append(rules, Rule{Pattern: glob, Partition: PartitionStatic, Strategy: StrategyCacheFirst})
	}
	rules = append(rules,
		Rule{Pattern: "/assets/*", Partition: PartitionStatic, Strategy: StrategyCacheFirst},
		Rule{Pattern: "/api/*", Partition: PartitionAPI, Strategy: StrategyNetworkFirst},
		Rule{Destination: "document", Partition: PartitionRuntime, Strategy: StrategyNetworkFirst},
	)
	return rules
}

// DefaultExclusions returns the built-in exclusion markers: paths that exist
// only on the server and would be served with the wrong content type if the
// cache answered for them.
func DefaultExclusions() []string {
	return []string{".server.", "/node_modules/", "/livereload"}
}

// DefaultClassifier returns a classifier with the built-in rule table.
func DefaultClassifier() Classifier {
	return Classifier{
		Exclusions: DefaultExclusions(),
		Rules:      DefaultRules(),
	}
}
