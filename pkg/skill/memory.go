package skill

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MemorySkill stores durable notes as markdown files under a root directory.
// It is a leaf: layer 0, no dependencies.
type MemorySkill struct {
	root string
}

// NewMemorySkill creates the skill and its root directory.
func NewMemorySkill(root string) (*MemorySkill, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create memory root: %w", err)
	}
	return &MemorySkill{root: root}, nil
}

func (s *MemorySkill) Name() string           { return "memory" }
func (s *MemorySkill) Layer() int             { return 0 }
func (s *MemorySkill) Dependencies() []string { return nil }

func (s *MemorySkill) Invoke(ctx context.Context, action string, args map[string]any) (any, error) {
	switch action {
	case "write":
		return s.write(args)
	case "read":
		return s.read(args)
	case "list":
		return s.list()
	case "search":
		return s.search(ctx, args)
	default:
		return nil, fmt.Errorf("%w: memory.%s", ErrUnknownAction, action)
	}
}

func (s *MemorySkill) write(args map[string]any) (any, error) {
	name, err := s.notePath(args)
	if err != nil {
		return nil, err
	}
	content, _ := args["content"].(string)
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		return nil, Transient(fmt.Errorf("write note: %w", err))
	}
	return map[string]any{"path": filepath.Base(name)}, nil
}

func (s *MemorySkill) read(args map[string]any) (any, error) {
	name, err := s.notePath(args)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(name)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("note not found")
	}
	if err != nil {
		return nil, Transient(fmt.Errorf("read note: %w", err))
	}
	return string(data), nil
}

func (s *MemorySkill) list() (any, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, Transient(fmt.Errorf("list notes: %w", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// search scans note contents for a substring. The scan runs in its own
// goroutine so a slow filesystem cannot wedge the caller past its deadline.
func (s *MemorySkill) search(ctx context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	query = strings.ToLower(query)

	type result struct {
		hits []string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			done <- result{err: Transient(fmt.Errorf("scan notes: %w", err))}
			return
		}
		var hits []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(s.root, e.Name()))
			if err != nil {
				continue
			}
			if strings.Contains(strings.ToLower(string(data)), query) {
				hits = append(hits, strings.TrimSuffix(e.Name(), ".md"))
			}
		}
		sort.Strings(hits)
		done <- result{hits: hits}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.hits, r.err
	}
}

// notePath validates the note name and confines it to the root directory.
func (s *MemorySkill) notePath(args map[string]any) (string, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid note name: %q", name)
	}
	return filepath.Join(s.root, name+".md"), nil
}
