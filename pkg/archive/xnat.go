package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Scan is one archive scan with its free-text note
type Scan struct {
	ID   string `json:"ID"`
	Type string `json:"type"`
	Note string `json:"note"`
}

// Session is an archive imaging session and its scans
type Session struct {
	ID      string
	Label   string
	Subject string
	Scans   []Scan
}

// Lister looks up a session and its scan listing. The download itself is
// left to ArcGet.py.
type Lister interface {
	Session(ctx context.Context, project, label string) (Session, error)
}

// Credentials authenticate against the archive. They are handed to the
// download job's environment, never to the process environment.
type Credentials struct {
	Host string `yaml:"host"`
	User string `yaml:"user"`
	Pass string `yaml:"-"`
}

// Env returns the XNAT_* variables ArcGet.py reads
func (c Credentials) Env() []string {
	return []string{"XNAT_HOST=" + c.Host, "XNAT_USER=" + c.User, "XNAT_PASS=" + c.Pass}
}

// XNAT lists sessions over the archive's REST API
type XNAT struct {
	Credentials Credentials
	Client      *http.Client
}

// NewXNAT creates a lister using http.DefaultClient
func NewXNAT(creds Credentials) *XNAT {
	return &XNAT{Credentials: creds, Client: http.DefaultClient}
}

type resultSet[T any] struct {
	ResultSet struct {
		Result []T `json:"Result"`
	} `json:"ResultSet"`
}

func getJSON[T any](ctx context.Context, x *XNAT, path string, query url.Values) ([]T, error) {
	u := strings.TrimRight(x.Credentials.Host, "/") + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if x.Credentials.User != "" {
		req.SetBasicAuth(x.Credentials.User, x.Credentials.Pass)
	}
	resp, err := x.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error querying archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("archive returned %s for %s", resp.Status, path)
	}
	var rs resultSet[T]
	if err := json.NewDecoder(resp.Body).Decode(&rs); err != nil {
		return nil, fmt.Errorf("error decoding archive response: %w", err)
	}
	return rs.ResultSet.Result, nil
}

// Session finds the session by label, optionally within a project, and
// lists its scans
func (x *XNAT) Session(ctx context.Context, project, label string) (Session, error) {
	q := url.Values{"format": {"json"}, "label": {label}, "columns": {"ID,label,subject_label"}}
	if project != "" {
		q.Set("project", project)
	}
	type experiment struct {
		ID           string `json:"ID"`
		Label        string `json:"label"`
		SubjectLabel string `json:"subject_label"`
	}
	exps, err := getJSON[experiment](ctx, x, "/data/experiments", q)
	if err != nil {
		return Session{}, err
	}
	switch len(exps) {
	case 0:
		return Session{}, fmt.Errorf("no archive session labeled %q", label)
	case 1:
	default:
		return Session{}, fmt.Errorf("%d archive sessions labeled %q, pass a project", len(exps), label)
	}

	exp := exps[0]
	scans, err := getJSON[Scan](ctx, x, "/data/experiments/"+url.PathEscape(exp.ID)+"/scans",
		url.Values{"format": {"json"}, "columns": {"ID,type,note"}})
	if err != nil {
		return Session{}, err
	}
	return Session{ID: exp.ID, Label: exp.Label, Subject: exp.SubjectLabel, Scans: scans}, nil
}
