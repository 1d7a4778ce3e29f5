// SPDX-License-Identifier: GPL-3.0-or-later

// Package codec reads and writes the on-disk tree document format: a CUE
// document validated against an embedded schema and decoded into an
// execgraph.Tree (recursively, for nested sub-trees).
package codec

import (
	_ "embed"
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/format"

	"github.com/dagrun/execgraph"
	"github.com/google/uuid"
)

//go:embed schema.cue
var schemaCUE string

type document struct {
	UUID        string            `json:"uuid"`
	Name        string            `json:"name"`
	Href        string            `json:"href"`
	Cwd         string            `json:"cwd"`
	WaitSuccess bool              `json:"waitsuccess"`
	Legend      map[string]string `json:"legend"`
	Resources   []docResource     `json:"resources"`
	Jobs        []docJob          `json:"jobs"`
	Deps        []docDependency   `json:"dependencies"`
	Iterator    *docIterator      `json:"iterator"`
}

type docResource struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Avail   int    `json:"avail"`
	Timeout string `json:"timeout"`
}

type docJob struct {
	UUID         string    `json:"uuid"`
	Name         string    `json:"name"`
	Href         string    `json:"href"`
	TColor       string    `json:"tcolor"`
	MustComplete bool      `json:"mustcomplete"`
	LogFile      string    `json:"logfile"`
	JobPath      string    `json:"jobpath"`
	Command      string    `json:"command"`
	Arguments    []string  `json:"arguments"`
	Resources    []string  `json:"resources"`
	Subtree      *document `json:"subtree"`
}

type docDependency struct {
	Parent        string `json:"parent"`
	Child         string `json:"child"`
	RequiredState string `json:"requiredstate"`
}

type docIterator struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

// Decode parses and schema-validates src, then builds an *execgraph.Tree
// from it, recursing into any nested sub-trees.
func Decode(src []byte) (*execgraph.Tree, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("codec: compiling schema: %w", err)
	}
	data := ctx.CompileBytes(src, cue.Filename("document.cue"))
	if err := data.Err(); err != nil {
		return nil, fmt.Errorf("codec: parsing document: %w", err)
	}
	doc := schema.LookupPath(cue.ParsePath("#Document"))
	v := data.Unify(doc)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("codec: document does not match schema: %w", err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("codec: document is incomplete: %w", err)
	}
	var d document
	if err := v.Decode(&d); err != nil {
		return nil, fmt.Errorf("codec: decoding document: %w", err)
	}
	return buildTree(&d)
}

func buildTree(d *document) (*execgraph.Tree, error) {
	t := execgraph.NewTree(d.Name, d.Cwd)
	if id, err := uuid.Parse(d.UUID); err == nil {
		t.ID = id
	}
	t.Href = d.Href
	t.WaitSuccess = d.WaitSuccess
	for k, v := range d.Legend {
		t.Legend[k] = v
	}

	resByName := make(map[string]*execgraph.Resource, len(d.Resources))
	for _, dr := range d.Resources {
		timeout := 30 * time.Second
		if dr.Timeout != "" {
			dur, err := time.ParseDuration(dr.Timeout)
			if err != nil {
				return nil, fmt.Errorf("codec: resource %q: bad timeout %q: %w", dr.Name, dr.Timeout, err)
			}
			timeout = dur
		}
		r := execgraph.NewResource(dr.Name, dr.Avail, timeout)
		if id, err := uuid.Parse(dr.UUID); err == nil {
			r.ID = id
		}
		resByName[dr.Name] = r
		t.AddResource(r)
	}

	jobByUUID := make(map[string]*execgraph.Job, len(d.Jobs))
	for _, dj := range d.Jobs {
		j, err := buildJob(&dj, resByName)
		if err != nil {
			return nil, err
		}
		if err := t.AddJob(j); err != nil {
			return nil, fmt.Errorf("codec: adding job %q: %w", dj.Name, err)
		}
		jobByUUID[dj.UUID] = j
	}

	for _, dd := range d.Deps {
		parent, ok := jobByUUID[dd.Parent]
		if !ok {
			return nil, fmt.Errorf("codec: dependency references unknown parent job %q", dd.Parent)
		}
		child, ok := jobByUUID[dd.Child]
		if !ok {
			return nil, fmt.Errorf("codec: dependency references unknown child job %q", dd.Child)
		}
		state, err := parseRequiredState(dd.RequiredState)
		if err != nil {
			return nil, err
		}
		if _, err := t.AddDep(parent, child, state); err != nil {
			return nil, fmt.Errorf("codec: adding dependency %s->%s: %w", dd.Parent, dd.Child, err)
		}
	}

	if d.Iterator != nil {
		t.SetIterator(execgraph.NewIterator(d.Iterator.Name, d.Iterator.Args))
	}
	return t, nil
}

func buildJob(dj *docJob, resByName map[string]*execgraph.Resource) (*execgraph.Job, error) {
	selectors := 0
	if dj.Subtree != nil {
		selectors++
	}
	if dj.JobPath != "" {
		selectors++
	}
	if dj.Command != "" {
		selectors++
	}
	if selectors > 1 {
		return nil, fmt.Errorf("codec: job %q has more than one of jobpath, command, subtree set", dj.Name)
	}

	var j *execgraph.Job
	switch {
	case dj.Subtree != nil:
		sub, err := buildTree(dj.Subtree)
		if err != nil {
			return nil, err
		}
		j = execgraph.NewSubtreeJob(dj.Name, sub)
	case dj.Command != "":
		argv, err := execgraph.SplitCommandLine(dj.Command)
		if err != nil {
			return nil, fmt.Errorf("codec: job %q: %w", dj.Name, err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("codec: job %q has an empty command", dj.Name)
		}
		j = execgraph.NewJob(dj.Name, argv[0], append(argv[1:], dj.Arguments...)...)
	case dj.JobPath != "":
		j = execgraph.NewJob(dj.Name, dj.JobPath, dj.Arguments...)
	default:
		return nil, fmt.Errorf("codec: job %q has neither jobpath, command nor subtree", dj.Name)
	}
	if id, err := uuid.Parse(dj.UUID); err == nil {
		j.ID = id
	}
	j.Href = dj.Href
	j.TColor = dj.TColor
	j.MustComplete = dj.MustComplete
	j.LogPath = dj.LogFile

	var rr []*execgraph.Resource
	for _, name := range dj.Resources {
		r, ok := resByName[name]
		if !ok {
			return nil, fmt.Errorf("codec: job %q references unknown resource %q", dj.Name, name)
		}
		rr = append(rr, r)
	}
	if len(rr) > 0 {
		j.SetResources(rr...)
	}
	return j, nil
}

func parseRequiredState(s string) (execgraph.State, error) {
	switch s {
	case "successful":
		return execgraph.StateSuccessful, nil
	case "failed":
		return execgraph.StateFailed, nil
	default:
		return 0, fmt.Errorf("codec: invalid dependency required-state %q", s)
	}
}

// Encode serializes t back into the CUE document format.
func Encode(t *execgraph.Tree) ([]byte, error) {
	d := treeToDoc(t)
	ctx := cuecontext.New()
	v := ctx.Encode(d)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("codec: encoding tree: %w", err)
	}
	node := v.Syntax(cue.Final())
	b, err := format.Node(node)
	if err != nil {
		return nil, fmt.Errorf("codec: formatting document: %w", err)
	}
	return b, nil
}

func treeToDoc(t *execgraph.Tree) *document {
	d := &document{
		UUID:        t.ID.String(),
		Name:        t.Name,
		Href:        t.Href,
		Cwd:         t.Cwd,
		WaitSuccess: t.WaitSuccess,
		Legend:      t.Legend,
	}
	resName := make(map[*execgraph.Resource]string)
	for _, r := range t.Resources() {
		resName[r] = r.Name
		d.Resources = append(d.Resources, docResource{
			UUID:    r.ID.String(),
			Name:    r.Name,
			Avail:   r.Capacity,
			Timeout: r.ReserveTimeout.String(),
		})
	}
	jobIdx := make(map[*execgraph.Job]string)
	for _, j := range t.Jobs() {
		jobIdx[j] = j.ID.String()
		dj := docJob{
			UUID:         j.ID.String(),
			Name:         j.Name,
			Href:         j.Href,
			TColor:       j.TColor,
			MustComplete: j.MustComplete,
			LogFile:      j.LogPath,
		}
		if sub := j.Subtree(); sub != nil {
			dj.Subtree = treeToDoc(sub)
		} else {
			dj.JobPath = j.CommandPath()
			dj.Arguments = j.Arguments()
		}
		for _, r := range j.Resources() {
			dj.Resources = append(dj.Resources, resName[r])
		}
		d.Jobs = append(d.Jobs, dj)
	}
	for _, dep := range t.Deps() {
		rs := "successful"
		if dep.RequiredState == execgraph.StateFailed {
			rs = "failed"
		}
		d.Deps = append(d.Deps, docDependency{
			Parent:        jobIdx[dep.Parent],
			Child:         jobIdx[dep.Child],
			RequiredState: rs,
		})
	}
	if it := t.Iterator(); it != nil {
		d.Iterator = &docIterator{Name: it.Name, Args: it.Args()}
	}
	return d
}
