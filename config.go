package offcache

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/offcache/offcache/rules"
	"github.com/offcache/offcache/store"
)

// FileConfig is the on-disk configuration of the proxy.
type FileConfig struct {
	// Origin URL to proxy to.
	Origin string `yaml:"origin"`
	// Listen address, e.g. ":8080".
	Listen string `yaml:"listen"`
	// Generation tag of this deployed build; partitions from other
	// generations are garbage collected at activation.
	Generation string `yaml:"generation"`
	// DB is the SQLite file backing the cache and the mutation queue.
	DB string `yaml:"db"`
	// FetchTimeoutSeconds bounds origin fetches.
	FetchTimeoutSeconds int `yaml:"fetchTimeoutSeconds"`
	// SweepIntervalSeconds between periodic expired-entry sweeps; 0 disables.
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`
	// Partitions maps logical partition ids to max age in seconds.
	Partitions map[string]uint `yaml:"partitions"`
	// Precache is the critical-asset list pre-warmed at install time.
	Precache []string `yaml:"precache"`
	// Exclusions are path markers that must never be intercepted.
	Exclusions []string `yaml:"exclusions"`
	// Rules is the classification table; empty means the built-in table.
	Rules []rules.Rule `yaml:"rules"`
	// Views maps notification view names to paths.
	Views map[string]string `yaml:"views"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// defaultMaxAges are the built-in partition staleness policies, in seconds.
var defaultMaxAges = map[string]uint{
	string(rules.PartitionStatic):  604800,  // one week
	string(rules.PartitionImages):  2592000, // thirty days
	string(rules.PartitionAPI):     300,
	string(rules.PartitionRuntime): 86400,
}

// GetConfig reads and parses the config file.
func GetConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// Classifier builds the classifier from the configured rules and exclusions,
// falling back to the built-in tables where the config is silent.
func (c FileConfig) Classifier() rules.Classifier {
	classifier := rules.Classifier{
		Exclusions: c.Exclusions,
		Rules:      c.Rules,
	}
	if len(classifier.Exclusions) == 0 {
		classifier.Exclusions = rules.DefaultExclusions()
	}
	if len(classifier.Rules) == 0 {
		classifier.Rules = rules.DefaultRules()
	}
	return classifier
}

// PartitionSet resolves the declared partitions for the configured
// generation. Physical names are "<id>-<generation>".
func (c FileConfig) PartitionSet() map[rules.PartitionID]store.Partition {
	maxAges := make(map[string]uint, len(defaultMaxAges))
	for id, maxAge := range defaultMaxAges {
		maxAges[id] = maxAge
	}
	for id, maxAge := range c.Partitions {
		maxAges[id] = maxAge
	}
	set := make(map[rules.PartitionID]store.Partition, len(maxAges))
	for id, maxAge := range maxAges {
		set[rules.PartitionID(id)] = store.Partition{
			Name:   PartitionName(id, c.Generation),
			MaxAge: time.Duration(maxAge) * time.Second,
		}
	}
	return set
}

// KeepSet returns the partition names valid for the configured generation.
// Everything outside this set is deleted at activation.
func (c FileConfig) KeepSet() []string {
	set := c.PartitionSet()
	keep := make([]string, 0, len(set))
	for _, p := range set {
		keep = append(keep, p.Name)
	}
	sort.Strings(keep)
	return keep
}

// FetchTimeout returns the configured fetch timeout, or zero for the default.
func (c FileConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// PartitionName returns the physical name of a partition for a generation.
func PartitionName(id, generation string) string {
	if generation == "" {
		return id
	}
	return fmt.Sprintf("%s-%s", id, generation)
}
