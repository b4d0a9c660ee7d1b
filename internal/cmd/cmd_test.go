package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasbasham/cli-runtime/iooption"

	"github.com/s3wire/s3wire/internal/storage"
)

func testStreams() (iooption.IOStreams, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return iooption.IOStreams{In: &bytes.Buffer{}, Out: out, ErrOut: errOut}, out, errOut
}

func TestRootCommandWiring(t *testing.T) {
	streams, _, _ := testStreams()
	root := NewRootCommandWithArgs(NewS3WireOptions(streams))

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "upload")
	assert.Contains(t, names, "download")
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "provision")
}

func TestUploadCommandAgainstMemory(t *testing.T) {
	streams, out, _ := testStreams()
	root := NewRootCommandWithArgs(NewS3WireOptions(streams))
	root.SetArgs([]string{
		"upload",
		"--backend", "memory",
		"--domain", "up.example.com",
		"--max-size", "25",
		"--allowed-types", "application/pdf",
	})

	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "Upload link: https://up.example.com/u/")
	assert.Contains(t, out.String(), "Max size: 25.0 MB")
	assert.Contains(t, out.String(), "Allowed types: application/pdf")
	assert.Contains(t, out.String(), "Destination: memory://uploads/inbox/upload-")
}

func TestUploadCommandValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"missing domain", []string{"upload", "--backend", "memory"}},
		{"bad protocol", []string{"upload", "--backend", "memory", "--domain", "d", "--protocol", "gopher"}},
		{"missing buckets", []string{"upload", "--domain", "d"}},
		{"unknown backend", []string{"upload", "--backend", "floppy", "--domain", "d"}},
		{"malformed types", []string{"upload", "--backend", "memory", "--domain", "d", "--allowed-types", "pdf"}},
	}
	for _, tc := range cases {
		streams, _, _ := testStreams()
		root := NewRootCommandWithArgs(NewS3WireOptions(streams))
		root.SetArgs(tc.args)
		assert.Error(t, root.Execute(), tc.name)
	}
}

func TestDownloadCommandMissingSource(t *testing.T) {
	streams, _, _ := testStreams()
	root := NewRootCommandWithArgs(NewS3WireOptions(streams))
	root.SetArgs([]string{
		"download",
		"--backend", "memory",
		"--domain", "up.example.com",
		"--source-key", "inbox/missing.pdf",
	})

	err := root.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestProvisionCommandAgainstMemory(t *testing.T) {
	streams, out, _ := testStreams()
	root := NewRootCommandWithArgs(NewS3WireOptions(streams))
	root.SetArgs([]string{
		"provision",
		"--backend", "memory",
		"--inbox-retention", "720h",
	})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Applied page retention of 168h0m0s to pages")
	assert.Contains(t, out.String(), "Applied inbox retention of 720h0m0s to uploads")
}

func TestServeOptionsComplete(t *testing.T) {
	streams, _, _ := testStreams()
	o := NewServeOptions(streams)
	NewServeCommand(o)

	require.NoError(t, o.Complete(nil, nil))
	assert.Equal(t, "http://localhost:8080", o.BaseURL)
	assert.Equal(t, "/upload", o.memoryUploadURL)
	assert.Equal(t, "/files", o.memoryDownloadURL)
}

func TestBackendBuildMemoryDefaults(t *testing.T) {
	o := &backendOptions{Backend: backendMemory}
	be, err := o.build(context.Background())
	require.NoError(t, err)

	m, ok := be.(*storage.Memory)
	require.True(t, ok)
	assert.Equal(t, "pages", m.HostingBucket())
}

func TestObjectURI(t *testing.T) {
	assert.Equal(t, "s3://b/k", objectURI(backendS3, "b", "k"))
	assert.Equal(t, "gs://b/k", objectURI(backendGCS, "b", "k"))
	assert.Equal(t, "memory://b/k", objectURI(backendMemory, "b", "k"))
}
