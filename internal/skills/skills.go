// Package skills mirrors managed skill directories into agent workspaces.
// A skill is a directory under <data>/skills/ carrying a SKILL.md; claude
// session bootstrap syncs each one into <workspace>/.claude/skills/ where
// the CLI picks it up. Mirrored copies carry a marker file recording the
// source content hash, so unchanged skills are skipped and only managed
// copies are ever pruned.
package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// markerName sits inside every mirrored skill directory. Its first line is
// the hex hash of the source tree at sync time; directories without the
// marker are user-owned and never touched.
const markerName = ".hiboss-skill"

type Manager struct {
	srcDir string
	logger *slog.Logger
}

// NewManager manages the skills rooted at srcDir, usually <data>/skills.
func NewManager(srcDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{srcDir: srcDir, logger: logger}
}

// SourceDir returns the managed skills root.
func (m *Manager) SourceDir() string { return m.srcDir }

// List returns the names of the source skills, sorted.
func (m *Manager) List() ([]string, error) { return m.sourceSkills() }

// Sync mirrors every source skill into the workspace and prunes managed
// copies whose source is gone. A missing source root just means nothing to
// mirror.
func (m *Manager) Sync(workspace string) error {
	dstRoot := filepath.Join(workspace, ".claude", "skills")
	names, err := m.sourceSkills()
	if err != nil {
		return err
	}

	updated := 0
	for _, name := range names {
		src := filepath.Join(m.srcDir, name)
		dst := filepath.Join(dstRoot, name)
		sum, err := hashTree(src)
		if err != nil {
			return fmt.Errorf("hash skill %s: %w", name, err)
		}
		if prev, err := readMarker(dst); err == nil && prev == sum {
			continue
		}
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("replace skill %s: %w", name, err)
		}
		if err := copyTree(src, dst); err != nil {
			return fmt.Errorf("copy skill %s: %w", name, err)
		}
		if err := writeMarker(dst, sum); err != nil {
			return fmt.Errorf("mark skill %s: %w", name, err)
		}
		updated++
	}

	pruned, err := pruneManaged(dstRoot, names)
	if err != nil {
		return err
	}
	if updated > 0 || pruned > 0 {
		m.logger.Info("skills synced",
			"workspace", workspace, "updated", updated, "pruned", pruned)
	}
	return nil
}

// sourceSkills lists the child directories of the root that look like
// skills, i.e. contain a SKILL.md.
func (m *Manager) sourceSkills() ([]string, error) {
	entries, err := os.ReadDir(m.srcDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills root: %w", err)
	}
	var names []string
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.srcDir, ent.Name(), "SKILL.md")); err != nil {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)
	return names, nil
}

// pruneManaged removes marker-carrying directories under dstRoot that no
// longer exist in the source set. Anything without a marker stays.
func pruneManaged(dstRoot string, keep []string) (int, error) {
	entries, err := os.ReadDir(dstRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read workspace skills: %w", err)
	}
	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name] = true
	}
	pruned := 0
	for _, ent := range entries {
		if !ent.IsDir() || keepSet[ent.Name()] {
			continue
		}
		dir := filepath.Join(dstRoot, ent.Name())
		if _, err := os.Stat(filepath.Join(dir, markerName)); err != nil {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return pruned, fmt.Errorf("prune skill %s: %w", ent.Name(), err)
		}
		pruned++
	}
	return pruned, nil
}

// hashTree digests a skill's relative paths and file contents. WalkDir
// visits lexically, so the digest is stable for identical trees.
func hashTree(root string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink not allowed in skill: %s", p)
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		io.WriteString(h, rel)
		h.Write([]byte{0})
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyTree mirrors src into dst, dropping VCS metadata, refusing symlinks
// and preserving the executable bit.
func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if base := filepath.Base(rel); base == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink not allowed in skill: %s", rel)
		}
		mode := info.Mode() & 0o777
		if mode == 0 {
			mode = 0o644
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

func readMarker(dir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, markerName))
	if err != nil {
		return "", err
	}
	sum, _, _ := strings.Cut(string(raw), "\n")
	return strings.TrimSpace(sum), nil
}

func writeMarker(dir, sum string) error {
	return os.WriteFile(filepath.Join(dir, markerName), []byte(sum+"\n"), 0o644)
}
