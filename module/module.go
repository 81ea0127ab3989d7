// Package module reads published module versions out of a git repository.
//
// Each module is identified by a tag prefix: a release of the module is a
// tag of the form <prefix>/v<version> in the repository that hosts it. A
// single repository may host many modules (the usual monorepo arrangement),
// so the tag prefix is what separates one module's releases from another's.
package module

import (
	"archive/tar"
	"fmt"
	"io"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/modlab/modregistry/versions"
)

type Module struct {
	repo      *git.Repository
	tagPrefix string
}

// Load creates a new Module that reads its data from the given git
// repository directory, using tagPrefix as the module identifier in release
// tags.
//
// This function returns nil if the given directory cannot be opened as a
// git repository for any reason.
func Load(gitDir, tagPrefix string) *Module {
	repo, err := git.PlainOpen(gitDir)
	if err != nil {
		return nil
	}
	return New(repo, tagPrefix)
}

// New creates a Module backed by an already-open repository. Most callers
// want Load; New exists so tests can supply in-memory repositories.
func New(repo *git.Repository, tagPrefix string) *Module {
	return &Module{
		repo:      repo,
		tagPrefix: tagPrefix,
	}
}

// TagPrefix returns the module identifier used in release tags.
func (m *Module) TagPrefix() string {
	return m.tagPrefix
}

// tags lists every tag in the repository, with annotated tags peeled to
// the commit they ultimately point at.
func (m *Module) tags() ([]versions.Tag, error) {
	it, err := m.repo.Tags()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ret []versions.Tag
	err = it.ForEach(func(ref *plumbing.Reference) error {
		commit := ref.Hash()
		if tagObj, err := m.repo.TagObject(ref.Hash()); err == nil {
			commit = tagObj.Target
		}
		ret = append(ret, versions.Tag{
			Name:   ref.Name().Short(),
			Commit: commit.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// AllVersions returns all of the available versions for the receiving
// module, in reverse order such that the latest version is at index 0.
//
// The result may be an empty (or nil) slice if the underlying repository
// has no release tags for the module.
func (m *Module) AllVersions() ([]*versions.ModuleVersion, error) {
	tags, err := m.tags()
	if err != nil {
		return nil, err
	}

	ret := versions.List(tags, m.tagPrefix)
	for i, j := 0, len(ret)-1; i < j; i, j = i+1, j-1 {
		ret[i], ret[j] = ret[j], ret[i]
	}
	return ret, nil
}

// LatestVersion returns the latest version available for the receiving
// module, or nil if it has no versions.
func (m *Module) LatestVersion() (*versions.ModuleVersion, error) {
	all, err := m.AllVersions()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[0], nil
}

// Version returns the published version exactly matching the given version
// string, or nil if the module has no such release.
func (m *Module) Version(versionStr string) (*versions.ModuleVersion, error) {
	c, err := versions.ParseConstraint(versionStr)
	if err != nil {
		return nil, err
	}

	all, err := m.AllVersions()
	if err != nil {
		return nil, err
	}
	return versions.Resolve(all, c), nil
}

// ResolveVersion selects the highest published version satisfying the given
// constraint. A nil result with a nil error means no published version
// satisfies the constraint.
func (m *Module) ResolveVersion(c versions.Constraint) (*versions.ModuleVersion, error) {
	all, err := m.AllVersions()
	if err != nil {
		return nil, err
	}
	return versions.Resolve(all, c), nil
}

// WriteVersionTar writes a tar archive of the module's source tree at the
// given published version. If subdir is non-empty, only that directory of
// the tagged tree is archived, with paths relative to it.
func (m *Module) WriteVersionTar(mv *versions.ModuleVersion, subdir string, w io.Writer) error {
	commit, err := m.repo.CommitObject(plumbing.NewHash(mv.Tag.Commit))
	if err != nil {
		return fmt.Errorf("cannot read commit %s for tag %s: %w", mv.Tag.Commit, mv.Tag.Name, err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("cannot read tree for tag %s: %w", mv.Tag.Name, err)
	}

	if subdir != "" {
		tree, err = tree.Tree(subdir)
		if err != nil {
			return fmt.Errorf("no directory %q in tree for tag %s: %w", subdir, mv.Tag.Name, err)
		}
	}

	tw := tar.NewWriter(w)
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()

	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if !entry.Mode.IsFile() || entry.Mode == filemode.Symlink {
			continue
		}

		blob, err := m.repo.BlobObject(entry.Hash)
		if err != nil {
			return fmt.Errorf("cannot read %q at tag %s: %w", name, mv.Tag.Name, err)
		}

		mode := int64(0644)
		if entry.Mode == filemode.Executable {
			mode = 0755
		}
		err = tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: mode,
			Size: blob.Size,
		})
		if err != nil {
			return err
		}

		rd, err := blob.Reader()
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, rd)
		rd.Close()
		if err != nil {
			return err
		}
	}

	return tw.Close()
}
