package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 1 << 20 // 1MiB per read

// FileSkill reads and writes files confined to a workspace root. Paths
// that escape the root, via .. segments or absolute paths outside it,
// are rejected before any filesystem access.
type FileSkill struct {
	root string
}

// NewFileSkill creates a file skill rooted at the given directory. The
// root is resolved to an absolute path at construction time.
func NewFileSkill(root string) (*FileSkill, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &FileSkill{root: abs}, nil
}

func (f *FileSkill) Name() string        { return "file" }
func (f *FileSkill) Description() string { return "Read, write and list files inside the workspace" }

func (f *FileSkill) Actions() []ActionSpec {
	return []ActionSpec{
		{
			Name:        "read_file",
			Description: "Read the contents of a file",
			Params: []ParamSpec{
				{Name: "path", Type: ParamString, Required: true, Description: "Path relative to the workspace root"},
			},
		},
		{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories",
			SideEffect:  true,
			Params: []ParamSpec{
				{Name: "path", Type: ParamString, Required: true, Description: "Path relative to the workspace root"},
				{Name: "content", Type: ParamString, Required: true, Description: "File content"},
			},
		},
		{
			Name:        "list_dir",
			Description: "List the entries of a directory",
			Params: []ParamSpec{
				{Name: "path", Type: ParamString, Required: false, Description: "Directory relative to the workspace root"},
			},
		},
	}
}

func (f *FileSkill) Invoke(ctx context.Context, action string, params Params) (*ActionResult, error) {
	switch action {
	case "read_file":
		return f.readFile(params)
	case "write_file":
		return f.writeFile(params)
	case "list_dir":
		return f.listDir(params)
	default:
		return nil, fmt.Errorf("%w: file.%s", ErrUnknownAction, action)
	}
}

func (f *FileSkill) resolve(raw string) (string, error) {
	if raw == "" {
		raw = "."
	}
	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(f.root, p)
	}
	p = filepath.Clean(p)
	if p != f.root && !strings.HasPrefix(p, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root", raw)
	}
	return p, nil
}

func (f *FileSkill) readFile(params Params) (*ActionResult, error) {
	path, err := f.resolve(params.String("path"))
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxReadBytes {
		return nil, fmt.Errorf("%s exceeds read limit (%d bytes)", path, maxReadBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &ActionResult{Output: map[string]any{
		"content": string(data),
		"size":    info.Size(),
	}}, nil
}

func (f *FileSkill) writeFile(params Params) (*ActionResult, error) {
	path, err := f.resolve(params.String("path"))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs: %w", err)
	}
	content := params.String("content")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return &ActionResult{Output: map[string]any{
		"path":    path,
		"written": len(content),
	}}, nil
}

func (f *FileSkill) listDir(params Params) (*ActionResult, error) {
	path, err := f.resolve(params.String("path"))
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	names := make([]any, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return &ActionResult{Output: map[string]any{
		"entries": names,
		"count":   len(names),
	}}, nil
}
