package archive

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"dwiqc/pkg/executor"
)

// GetOptions are the ArcGet.py switches shared by every download
type GetOptions struct {
	Label   string
	Project string

	// BIDSDir is where ArcGet.py writes the dataset
	BIDSDir string

	InMem    bool
	Insecure bool
	Debug    bool
}

type arcGetEntry struct {
	Run         int    `yaml:"run"`
	Scan        string `yaml:"scan"`
	Direction   string `yaml:"direction,omitempty"`
	Acquisition string `yaml:"acquisition,omitempty"`
}

// ArcGetConfig renders the YAML document ArcGet.py reads from stdin for a
// single scan
func ArcGetConfig(tag ScanTag, run int, scanID string) ([]byte, error) {
	suffix, ok := Suffix(tag.BIDSSubdir)
	if !ok {
		return nil, fmt.Errorf("unknown bids_subdir %q", tag.BIDSSubdir)
	}
	doc := map[string]map[string][]arcGetEntry{
		tag.BIDSSubdir: {
			suffix: {{Run: run, Scan: scanID, Direction: tag.Direction, Acquisition: tag.AcquisitionGroup}},
		},
	}
	return yaml.Marshal(doc)
}

// ArcGetCommand returns the ArcGet.py argument list. The scan config is
// read from stdin.
func ArcGetCommand(opts GetOptions) []string {
	argv := []string{
		"ArcGet.py",
		"--label", opts.Label,
		"--output-dir", opts.BIDSDir,
		"--output-format", "bids",
	}
	if opts.InMem {
		argv = append(argv, "--in-mem")
	}
	if opts.Project != "" {
		argv = append(argv, "--project", opts.Project)
	}
	if opts.Insecure {
		argv = append(argv, "--insecure")
	}
	argv = append(argv, "--config", "-")
	if opts.Debug {
		argv = append(argv, "--debug")
	}
	return argv
}

// DownloadJobs creates one ArcGet.py job per selected scan, runs ascending
// and labels sorted within a run
func DownloadJobs(sel Selection, conf DownloadConfig, opts GetOptions, creds Credentials) ([]*executor.Job, error) {
	var jobs []*executor.Job
	for _, run := range sel.Runs() {
		for _, label := range conf.Labels() {
			scanID, ok := sel[run][label]
			if !ok {
				continue
			}
			stdin, err := ArcGetConfig(conf.Scans[label], run, scanID)
			if err != nil {
				return nil, fmt.Errorf("scan %q: %w", label, err)
			}
			job := executor.NewJob(fmt.Sprintf("dwiqc-get-%s-run-%d", label, run), ArcGetCommand(opts), executor.Resources{})
			job.Stdin = string(stdin)
			job.Env = creds.Env()
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}
