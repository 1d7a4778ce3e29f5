// SPDX-License-Identifier: GPL-3.0-or-later

package execgraph_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagrun/execgraph"
	"github.com/dagrun/execgraph/codec"
)

const linearDoc = `
uuid: "11111111-1111-1111-1111-111111111111"
name: "linear"
cwd:  "."
resources: [{
	uuid: "22222222-2222-2222-2222-222222222222"
	name: "slot"
	avail: 2
	timeout: "5s"
}]
jobs: [{
	uuid: "33333333-3333-3333-3333-333333333333"
	name: "build"
	jobpath: "./build.sh"
	resources: ["slot"]
}, {
	uuid: "44444444-4444-4444-4444-444444444444"
	name: "test"
	jobpath: "./test.sh"
	arguments: ["-v"]
}]
dependencies: [{
	parent: "33333333-3333-3333-3333-333333333333"
	child:  "44444444-4444-4444-4444-444444444444"
	requiredstate: "successful"
}]
`

func TestCodecDecodeBuildsRunnableTree(t *testing.T) {
	tree, err := codec.Decode([]byte(linearDoc))
	require.NoError(t, err)
	require.Equal(t, "linear", tree.Name)
	require.Len(t, tree.Jobs(), 2)
	require.Len(t, tree.Resources(), 1)
	require.Len(t, tree.Deps(), 1)

	build, ok := tree.FindJob("build")
	require.True(t, ok)
	require.Equal(t, "./build.sh", build.CommandPath())
	require.Len(t, build.Resources(), 1)

	test, ok := tree.FindJob("test")
	require.True(t, ok)
	require.Equal(t, []string{"-v"}, test.Arguments())

	// The graph itself is valid (one stem, connected, acyclic); the only
	// problems are the command files, which do not exist on disk.
	require.Equal(t, []string{
		"file ./build.sh needed by job build does not exist",
		"file ./test.sh needed by job test does not exist",
	}, tree.Validate().Problems)
}

func TestCodecDecodeRejectsDocumentMissingRequiredFields(t *testing.T) {
	_, err := codec.Decode([]byte(`name: "broken"`))
	require.Error(t, err)
}

func TestCodecEncodeEmitsRoundTrippableDocument(t *testing.T) {
	tree := execgraph.NewTree("rt", ".")
	j := execgraph.NewJob("only", "./run.sh")
	require.NoError(t, tree.AddJob(j))

	out, err := codec.Encode(tree)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	tree2, err := codec.Decode(out)
	require.NoError(t, err)
	require.Equal(t, "rt", tree2.Name)
	_, ok := tree2.FindJob("only")
	require.True(t, ok)
}

func TestCodecDecodeSplitsShellStyleCommandField(t *testing.T) {
	const doc = `
uuid: "11111111-1111-1111-1111-111111111111"
name: "shellcmd"
cwd:  "."
jobs: [{
	uuid: "22222222-2222-2222-2222-222222222222"
	name: "check"
	command: "./check.sh --flag 'two words'"
}]
`
	tree, err := codec.Decode([]byte(doc))
	require.NoError(t, err)
	j, ok := tree.FindJob("check")
	require.True(t, ok)
	require.Equal(t, "./check.sh", j.CommandPath())
	require.Equal(t, []string{"--flag", "two words"}, j.Arguments())
}

func TestCodecDecodeNestedSubtree(t *testing.T) {
	const doc = `
uuid: "11111111-1111-1111-1111-111111111111"
name: "outer"
cwd:  "."
jobs: [{
	uuid: "22222222-2222-2222-2222-222222222222"
	name: "delegate"
	subtree: {
		uuid: "33333333-3333-3333-3333-333333333333"
		name: "inner"
		cwd:  "."
		jobs: [{
			uuid: "44444444-4444-4444-4444-444444444444"
			name: "innerjob"
			jobpath: "./inner.sh"
		}]
	}
}]
`
	tree, err := codec.Decode([]byte(doc))
	require.NoError(t, err)
	j, ok := tree.FindJob("delegate")
	require.True(t, ok)
	require.NotNil(t, j.Subtree())
	require.Equal(t, "inner", j.Subtree().Name)
	_, ok = tree.FindJobDeep("innerjob")
	require.True(t, ok)
}
