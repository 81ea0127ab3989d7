package module

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modlab/modregistry/versions"
)

type fixtureRepo struct {
	t    *testing.T
	repo *git.Repository
	fs   billy.Filesystem
}

func newFixtureRepo(t *testing.T) *fixtureRepo {
	t.Helper()
	fs := memfs.New()
	repo, err := git.Init(memory.NewStorage(), fs)
	require.NoError(t, err)
	return &fixtureRepo{t: t, repo: repo, fs: fs}
}

func (f *fixtureRepo) commit(files map[string]string) plumbing.Hash {
	f.t.Helper()
	wt, err := f.repo.Worktree()
	require.NoError(f.t, err)

	for name, content := range files {
		require.NoError(f.t, util.WriteFile(f.fs, name, []byte(content), 0644))
		_, err = wt.Add(name)
		require.NoError(f.t, err)
	}

	hash, err := wt.Commit("publish", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "registry-test",
			Email: "registry@example.com",
			When:  time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(f.t, err)
	return hash
}

func (f *fixtureRepo) tag(name string, hash plumbing.Hash) {
	f.t.Helper()
	_, err := f.repo.CreateTag(name, hash, nil)
	require.NoError(f.t, err)
}

func (f *fixtureRepo) annotatedTag(name string, hash plumbing.Hash) {
	f.t.Helper()
	_, err := f.repo.CreateTag(name, hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "registry-test",
			Email: "registry@example.com",
			When:  time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
		},
		Message: "release " + name,
	})
	require.NoError(f.t, err)
}

func TestLoadNotARepository(t *testing.T) {
	assert.Nil(t, Load(t.TempDir(), "s3-bucket"))
}

func TestAllVersions(t *testing.T) {
	f := newFixtureRepo(t)
	h1 := f.commit(map[string]string{"modules/s3-bucket/main.tf": "# v1"})
	f.tag("s3-bucket/v1.0.0", h1)
	f.tag("vpc/v3.0.0", h1)
	f.tag("some-release-marker", h1)

	h2 := f.commit(map[string]string{"modules/s3-bucket/main.tf": "# v1.1"})
	f.tag("s3-bucket/v1.1.0", h2)
	f.annotatedTag("s3-bucket/v1.9.0", h2)
	f.annotatedTag("s3-bucket/v1.10.0", h2)

	m := New(f.repo, "s3-bucket")
	all, err := m.AllVersions()
	require.NoError(t, err)
	require.Len(t, all, 4)

	// Latest first, numeric ordering.
	assert.Equal(t, "1.10.0", all[0].Version.String())
	assert.Equal(t, "1.9.0", all[1].Version.String())
	assert.Equal(t, "1.1.0", all[2].Version.String())
	assert.Equal(t, "1.0.0", all[3].Version.String())

	// Annotated tags are peeled to their target commit.
	assert.Equal(t, h2.String(), all[0].Tag.Commit)
}

func TestLatestVersion(t *testing.T) {
	f := newFixtureRepo(t)
	h := f.commit(map[string]string{"main.tf": "# module"})
	f.tag("s3-bucket/v0.1.0", h)
	f.tag("s3-bucket/v0.2.0", h)

	m := New(f.repo, "s3-bucket")
	latest, err := m.LatestVersion()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "0.2.0", latest.Version.String())
}

func TestLatestVersionEmpty(t *testing.T) {
	f := newFixtureRepo(t)
	f.commit(map[string]string{"main.tf": "# module"})

	m := New(f.repo, "s3-bucket")
	latest, err := m.LatestVersion()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestVersionExact(t *testing.T) {
	f := newFixtureRepo(t)
	h := f.commit(map[string]string{"main.tf": "# module"})
	f.tag("s3-bucket/v1.0.0", h)
	f.tag("s3-bucket/v1.1.0", h)

	m := New(f.repo, "s3-bucket")

	mv, err := m.Version("1.1.0")
	require.NoError(t, err)
	require.NotNil(t, mv)
	assert.Equal(t, "s3-bucket/v1.1.0", mv.Tag.Name)

	missing, err := m.Version("1.2.0")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = m.Version("not a version")
	assert.ErrorIs(t, err, versions.ErrInvalidConstraint)
}

func TestResolveVersion(t *testing.T) {
	f := newFixtureRepo(t)
	h := f.commit(map[string]string{"main.tf": "# module"})
	for _, tag := range []string{
		"s3-bucket/v1.0.0",
		"s3-bucket/v1.1.0",
		"s3-bucket/v1.1.5",
		"s3-bucket/v1.2.0",
	} {
		f.tag(tag, h)
	}

	m := New(f.repo, "s3-bucket")

	c, err := versions.ParseConstraint("~> 1.1.0")
	require.NoError(t, err)
	mv, err := m.ResolveVersion(c)
	require.NoError(t, err)
	require.NotNil(t, mv)
	assert.Equal(t, "1.1.5", mv.Version.String())

	c, err = versions.ParseConstraint(">= 2.1.0")
	require.NoError(t, err)
	mv, err = m.ResolveVersion(c)
	require.NoError(t, err)
	assert.Nil(t, mv)
}

func readTar(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	ret := make(map[string]string)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = io.Copy(&buf, tr)
		require.NoError(t, err)
		ret[hdr.Name] = buf.String()
	}
	return ret
}

func TestWriteVersionTar(t *testing.T) {
	f := newFixtureRepo(t)
	h1 := f.commit(map[string]string{
		"modules/s3-bucket/main.tf":      "# v1 bucket",
		"modules/s3-bucket/variables.tf": "variable \"name\" {}",
		"modules/vpc/main.tf":            "# vpc",
	})
	f.tag("s3-bucket/v1.0.0", h1)

	h2 := f.commit(map[string]string{
		"modules/s3-bucket/main.tf": "# v1.1 bucket",
	})
	f.tag("s3-bucket/v1.1.0", h2)

	m := New(f.repo, "s3-bucket")

	mv, err := m.Version("1.0.0")
	require.NoError(t, err)
	require.NotNil(t, mv)

	var buf bytes.Buffer
	require.NoError(t, m.WriteVersionTar(mv, "modules/s3-bucket", &buf))

	files := readTar(t, &buf)
	assert.Equal(t, map[string]string{
		"main.tf":      "# v1 bucket",
		"variables.tf": "variable \"name\" {}",
	}, files)

	// The archive is taken from the tagged commit, not from HEAD.
	assert.NotContains(t, files["main.tf"], "v1.1")
}

func TestWriteVersionTarWholeTree(t *testing.T) {
	f := newFixtureRepo(t)
	h := f.commit(map[string]string{
		"main.tf":    "# module",
		"outputs.tf": "# outputs",
	})
	f.tag("s3-bucket/v1.0.0", h)

	m := New(f.repo, "s3-bucket")
	mv, err := m.Version("1.0.0")
	require.NoError(t, err)
	require.NotNil(t, mv)

	var buf bytes.Buffer
	require.NoError(t, m.WriteVersionTar(mv, "", &buf))

	files := readTar(t, &buf)
	assert.Len(t, files, 2)
	assert.Contains(t, files, "main.tf")
	assert.Contains(t, files, "outputs.tf")
}

func TestWriteVersionTarMissingSubdir(t *testing.T) {
	f := newFixtureRepo(t)
	h := f.commit(map[string]string{"main.tf": "# module"})
	f.tag("s3-bucket/v1.0.0", h)

	m := New(f.repo, "s3-bucket")
	mv, err := m.Version("1.0.0")
	require.NoError(t, err)
	require.NotNil(t, mv)

	err = m.WriteVersionTar(mv, "modules/s3-bucket", io.Discard)
	assert.Error(t, err)
}
