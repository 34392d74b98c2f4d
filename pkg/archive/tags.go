// Package archive selects the scans of an imaging-archive session by their
// scan notes and builds the ArcGet.py downloads that place them in a BIDS
// dataset.
package archive

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScanTag describes how one kind of scan is recognized and where it lands
type ScanTag struct {
	// Tags are regular expressions matched, case-insensitively and anchored
	// at the start, against the scan note. A named group "run" carries the
	// run number.
	Tags []string `yaml:"tag"`

	// BIDSSubdir is the datatype folder: dwi, fmap or anat
	BIDSSubdir string `yaml:"bids_subdir"`

	// Direction and AcquisitionGroup become the dir and acq filename entities
	Direction        string `yaml:"direction,omitempty"`
	AcquisitionGroup string `yaml:"acquisition_group,omitempty"`
}

// DownloadConfig maps a scan label to its tag rule
type DownloadConfig struct {
	Scans map[string]ScanTag `yaml:"dwiqc"`
}

// DefaultDownloadConfig recognizes the conventional dwi, field map and T1w
// scan note tags
func DefaultDownloadConfig() DownloadConfig {
	return DownloadConfig{Scans: map[string]ScanTag{
		"dwi":    {Tags: []string{`#DWI_MAIN_(?P<run>\d+)`, `#DWI_MAIN`}, BIDSSubdir: "dwi"},
		"dwi_PA": {Tags: []string{`#DWI_FMAP_PA_(?P<run>\d+)`, `#DWI_FMAP_PA`}, BIDSSubdir: "fmap", Direction: "PA"},
		"dwi_AP": {Tags: []string{`#DWI_FMAP_AP_(?P<run>\d+)`, `#DWI_FMAP_AP`}, BIDSSubdir: "fmap", Direction: "AP"},
		"t1w":    {Tags: []string{`#T1w_MOVE_(?P<run>\d+)`, `#T1w_MOVE`}, BIDSSubdir: "anat"},
	}}
}

// LoadDownloadConfig reads a download configuration file
func LoadDownloadConfig(path string) (DownloadConfig, error) {
	var conf DownloadConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("error reading download config: %w", err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("error parsing download config: %w", err)
	}
	if len(conf.Scans) == 0 {
		return conf, fmt.Errorf("download config %s lists no scans under dwiqc", path)
	}
	return conf, nil
}

// Labels returns the configured scan labels in sorted order
func (c DownloadConfig) Labels() []string {
	labels := make([]string, 0, len(c.Scans))
	for l := range c.Scans {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Suffix maps a datatype folder to the BIDS suffix ArcGet.py writes
func Suffix(subdir string) (string, bool) {
	switch subdir {
	case "dwi":
		return "dwi", true
	case "fmap":
		return "epi", true
	case "anat":
		return "T1w", true
	}
	return "", false
}

// Matcher holds the compiled patterns of a download config
type Matcher struct {
	labels   []string
	patterns map[string][]*regexp.Regexp
}

// Compile prepares every tag pattern
func (c DownloadConfig) Compile() (*Matcher, error) {
	m := &Matcher{labels: c.Labels(), patterns: make(map[string][]*regexp.Regexp)}
	for _, label := range m.labels {
		tag := c.Scans[label]
		if _, ok := Suffix(tag.BIDSSubdir); !ok {
			return nil, fmt.Errorf("scan %q: unknown bids_subdir %q", label, tag.BIDSSubdir)
		}
		for _, p := range tag.Tags {
			re, err := regexp.Compile(`(?i)^(?:` + p + `)`)
			if err != nil {
				return nil, fmt.Errorf("scan %q: bad tag pattern %q: %w", label, p, err)
			}
			m.patterns[label] = append(m.patterns[label], re)
		}
	}
	return m, nil
}

var nonDigit = regexp.MustCompile(`[^0-9]`)

// Match tests a scan note against one label's patterns and returns the run
// number, 1 when the note carries none
func (m *Matcher) Match(label, note string) (int, bool) {
	for _, re := range m.patterns[label] {
		sub := re.FindStringSubmatch(note)
		if sub == nil {
			continue
		}
		run := "1"
		if i := re.SubexpIndex("run"); i > 0 && sub[i] != "" {
			run = nonDigit.ReplaceAllString(sub[i], "")
		}
		n, err := strconv.Atoi(run)
		if err != nil || n < 1 {
			n = 1
		}
		return n, true
	}
	return 0, false
}

// Selection maps run number to scan label to archive scan id
type Selection map[int]map[string]string

// Runs returns the selected run numbers in ascending order
func (s Selection) Runs() []int {
	runs := make([]int, 0, len(s))
	for r := range s {
		runs = append(runs, r)
	}
	sort.Ints(runs)
	return runs
}

// Select assigns every scan whose note matches a label to that label's run
func (m *Matcher) Select(scans []Scan) Selection {
	sel := make(Selection)
	for _, scan := range scans {
		for _, label := range m.labels {
			run, ok := m.Match(label, scan.Note)
			if !ok {
				continue
			}
			if sel[run] == nil {
				sel[run] = make(map[string]string)
			}
			sel[run][label] = scan.ID
		}
	}
	return sel
}

var illegal = regexp.MustCompile(`[^a-zA-Z0-9]`)

// LegalLabel strips characters BIDS does not allow in a label
func LegalLabel(s string) string {
	return illegal.ReplaceAllString(s, "")
}

// Summary renders a selection for logs
func (s Selection) Summary() string {
	var b strings.Builder
	for _, run := range s.Runs() {
		labels := make([]string, 0, len(s[run]))
		for l := range s[run] {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, l := range labels {
			fmt.Fprintf(&b, "run-%d %s=%s\n", run, l, s[run][l])
		}
	}
	return b.String()
}
