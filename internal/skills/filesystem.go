package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemSkill performs basic directory and file operations. Path
// validation against protected roots happens in the policy engine before
// the skill is ever invoked.
type FilesystemSkill struct{}

func NewFilesystemSkill() *FilesystemSkill { return &FilesystemSkill{} }

func (s *FilesystemSkill) Name() string { return "filesystem" }

func (s *FilesystemSkill) Commands() []string {
	return []string{"create_directory", "delete_directory", "write_file", "read_file", "list_directory"}
}

func (s *FilesystemSkill) RequiredParams(command string) []string {
	switch command {
	case "write_file":
		return []string{"path", "content"}
	default:
		return []string{"path"}
	}
}

func (s *FilesystemSkill) Invoke(ctx context.Context, command string, params map[string]any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, _ := params["path"].(string)
	if path == "" {
		return fail("missing required parameter: path"), nil
	}

	switch command {
	case "create_directory":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fail(fmt.Sprintf("create directory: %v", err)), nil
		}
		return ok(fmt.Sprintf("created %s", path), map[string]any{"path": path}), nil

	case "delete_directory":
		if err := os.RemoveAll(path); err != nil {
			return fail(fmt.Sprintf("delete directory: %v", err)), nil
		}
		return ok(fmt.Sprintf("deleted %s", path), map[string]any{"path": path}), nil

	case "write_file":
		content, _ := params["content"].(string)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fail(fmt.Sprintf("create parent directory: %v", err)), nil
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fail(fmt.Sprintf("write file: %v", err)), nil
		}
		return ok(fmt.Sprintf("wrote %d bytes to %s", len(content), path), map[string]any{"path": path, "bytes": len(content)}), nil

	case "read_file":
		data, err := os.ReadFile(path)
		if err != nil {
			return fail(fmt.Sprintf("read file: %v", err)), nil
		}
		return ok(fmt.Sprintf("read %d bytes from %s", len(data), path), map[string]any{"path": path, "content": string(data)}), nil

	case "list_directory":
		entries, err := os.ReadDir(path)
		if err != nil {
			return fail(fmt.Sprintf("list directory: %v", err)), nil
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return ok(fmt.Sprintf("%d entries in %s", len(names), path), map[string]any{"path": path, "entries": names}), nil
	}

	return fail(fmt.Sprintf("unknown filesystem command %q", command)), nil
}
